// README: Error taxonomy shared by the state machine, stores, and coordinator.
package trip

import (
	"errors"
	"fmt"
)

var (
	// Validation errors: local, synchronous, non-retriable.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTripClosed        = errors.New("trip already closed")
	ErrTripMatched       = errors.New("trip already matched")
	ErrActiveTrip        = errors.New("passenger has active trip")
	ErrDriverBusy        = errors.New("driver already bound to a trip")
	ErrUnauthorized      = errors.New("actor not authorized")
	ErrNotFound          = errors.New("trip not found")
	ErrBadRequest        = errors.New("bad request")

	// ErrInternal marks a broken invariant (never auto-corrected); the
	// offending operation aborts and the condition is logged for
	// investigation.
	ErrInternal = errors.New("internal invariant violation")

	// ErrUnavailable marks transient infrastructure failures. The caller owns
	// retry policy; the core never retries since a replayed accept could
	// violate first-accept-wins.
	ErrUnavailable = errors.New("storage unavailable")
)

// Unavailable wraps an infrastructure error so callers can test for the
// transient kind with errors.Is while keeping the cause in the chain.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
