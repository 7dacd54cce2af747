package insure

import (
	"errors"
	"fmt"
)

// Sentinel errors shared between the engine and its store.
var (
	// ErrClaimFailed means the claim transaction selected candidate
	// rows but the state update touched none of them -- the claim lost
	// a race. The cycle aborts and the next tick starts fresh.
	ErrClaimFailed = errors.New("claim selected rows but updated none")

	// ErrTerminalState means an operation tried to transition a row
	// that is already completed, failed or abandoned.
	ErrTerminalState = errors.New("request is in a terminal state")

	// ErrNotPending means an unlock was requested for a row that holds
	// no lock stamp.
	ErrNotPending = errors.New("request is not pending")

	// ErrRequestNotFound means no row exists for the given id.
	ErrRequestNotFound = errors.New("request not found")
)

// ConfigError reports an impossible construction-time configuration,
// such as a missing store or a non-positive batch size. These are the
// only fatal conditions the engine produces; everything at run time is
// caught at the cycle boundary.
type ConfigError struct {
	Field   string
	Details string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid worker configuration: %s: %s", e.Field, e.Details)
}
