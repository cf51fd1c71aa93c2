package genjob

import "fmt"

var transitions = map[Status][]Status{
	StatusPending: {
		StatusQueued, StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusQueued: {
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusFiltered, StatusCancelled,
	},
	StatusProcessing: {
		StatusPending, StatusCompleted, StatusFailed, StatusFiltered, StatusCancelled,
	},
	// Only an explicit retry re-opens a failed job.
	StatusFailed: {StatusQueued},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidStateTransition when the move is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}
