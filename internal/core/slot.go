package core

import (
	"context"
	"sync"
)

// A worker slot is the share of a bounded dispatcher's concurrency held by
// one task. A task about to wait out a backoff gives its slot back with
// ReleaseSlot and carries on unbounded, so other tasks run while it sleeps.

type slotKey struct{}

type slot struct {
	once     sync.Once
	released chan struct{}
}

// WithSlot returns a context carrying a fresh slot and a channel that is
// closed when the holder releases it.
func WithSlot(ctx context.Context) (context.Context, <-chan struct{}) {
	s := &slot{released: make(chan struct{})}
	return context.WithValue(ctx, slotKey{}, s), s.released
}

// ReleaseSlot gives back the slot carried by ctx. It is a no-op when ctx
// carries none or the slot was already released.
func ReleaseSlot(ctx context.Context) {
	if s, ok := ctx.Value(slotKey{}).(*slot); ok {
		s.once.Do(func() { close(s.released) })
	}
}
