package engine

import "errors"

// Error kinds surfaced by every mutating operation. Callers match them with
// errors.Is; messages wrapped around them carry the specifics.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAlreadyFinalized   = errors.New("already finalized")
	ErrDeadlinePassed     = errors.New("deadline passed")
	ErrDeadlineNotReached = errors.New("deadline not reached")
	ErrInsufficientFunds  = errors.New("insufficient funds")
)
