package core

// Campaign states. StepN refers to the Nth send of the template.
const (
	StateStep0Pending = "step0_pending"
	StateStep0Done    = "step0_done"
	StateWaitingA     = "waiting_a"
	StateStep1Pending = "step1_pending"
	StateStep1Done    = "step1_done"
	StateWaitingB     = "waiting_b"
	StateStep2Pending = "step2_pending"
	StateCompleted    = "completed"
	StateFailed       = "failed"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[string][]string{
	StateStep0Pending: {StateStep0Done, StateFailed},
	StateStep0Done:    {StateWaitingA},
	StateWaitingA:     {StateStep1Pending},
	StateStep1Pending: {StateStep1Done, StateFailed},
	StateStep1Done:    {StateWaitingB},
	StateWaitingB:     {StateStep2Pending},
	StateStep2Pending: {StateCompleted, StateFailed},
	StateCompleted:    {},
	StateFailed:       {},
}

// stateSteps maps each non-terminal state to the template step it sits on.
var stateSteps = map[string]int{
	StateStep0Pending: 0,
	StateStep0Done:    0,
	StateWaitingA:     1,
	StateStep1Pending: 2,
	StateStep1Done:    2,
	StateWaitingB:     3,
	StateStep2Pending: 4,
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminalState returns true if the state is terminal (no further transitions).
func IsTerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// IsSendState reports whether the state runs a send effect.
func IsSendState(state string) bool {
	return state == StateStep0Pending || state == StateStep1Pending || state == StateStep2Pending
}

// IsWaitingState reports whether the state is suspended on a timer.
func IsWaitingState(state string) bool {
	return state == StateWaitingA || state == StateWaitingB
}

// IsKnownState reports whether state belongs to the campaign machine.
func IsKnownState(state string) bool {
	_, ok := validTransitions[state]
	return ok
}

// StepIndex returns the template step a state sits on, or -1 for terminal states.
func StepIndex(state string) int {
	if idx, ok := stateSteps[state]; ok {
		return idx
	}
	return -1
}

// NextState returns the successor of state on the success path. Terminal
// states have no successor.
func NextState(state string) (string, bool) {
	targets := validTransitions[state]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}
