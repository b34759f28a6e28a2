package core

import (
	"go.uber.org/atomic"
)

// Settings holds the process-wide switches. Reads and writes are
// last-write-wins and safe for concurrent use.
type Settings struct {
	gate  *atomic.Bool
	level *atomic.String
}

// NewSettings returns settings with the gate open and the given level.
func NewSettings(level RetryLevel) *Settings {
	if level == "" {
		level = RetryDurable
	}
	return &Settings{
		gate:  atomic.NewBool(true),
		level: atomic.NewString(string(level)),
	}
}

// EffectGate reports whether deliveries are currently allowed.
func (s *Settings) EffectGate() bool {
	return s.gate.Load()
}

// SetEffectGate opens or closes the gate. It returns the previous value.
func (s *Settings) SetEffectGate(open bool) bool {
	return s.gate.Swap(open)
}

// RetryLevel returns the level in force right now.
func (s *Settings) RetryLevel() RetryLevel {
	return RetryLevel(s.level.Load())
}

// SetRetryLevel replaces the level. It returns the previous value.
func (s *Settings) SetRetryLevel(level RetryLevel) RetryLevel {
	return RetryLevel(s.level.Swap(string(level)))
}
