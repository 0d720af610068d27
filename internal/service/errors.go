package service

import "errors"

// Sentinel errors mapped to API error codes by the handlers.
var (
	ErrExamWindowClosed  = errors.New("exam window is closed")
	ErrAttemptLimit      = errors.New("attempt limit reached")
	ErrConcurrentAttempt = errors.New("concurrent attempt in progress")
	ErrInvalidState      = errors.New("attempt state does not accept this operation")
	ErrLockExpired       = errors.New("attempt lock expired or reclaimed")
	ErrPauseNotAllowed   = errors.New("exam does not allow pausing")
	ErrNotOwner          = errors.New("attempt belongs to another user")
	ErrResultNotReady    = errors.New("result not ready")
)

// ValidationError rejects a whole answer batch. No partial application: if
// one entry is malformed, none of the batch is stored.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "answer batch rejected: " + e.Reason
}
