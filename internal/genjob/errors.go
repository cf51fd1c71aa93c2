package genjob

import "errors"

// Sentinel errors surfaced by the lifecycle manager and stores. Callers match them
// with errors.Is; wrapping with additional context is expected.
var (
	ErrInvalidParams          = errors.New("invalid params")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrNotFound               = errors.New("job not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCapacityExceeded       = errors.New("account capacity exceeded")
	ErrStaleJob               = errors.New("job changed concurrently")
	ErrJobExists              = errors.New("job already exists")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrNoEligibleAccount      = errors.New("no eligible account")
)
