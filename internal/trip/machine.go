// README: Pure trip lifecycle state machine; all notification is the caller's job.
package trip

import "time"

// Transition validates to against t's current state and returns the updated
// trip. It is a pure function of (trip, target state); it performs no I/O and
// publishes nothing, which keeps it independently testable.
//
// Rejections, most specific first:
//   - ErrTripClosed on any attempt from a terminal state
//   - ErrTripMatched on an accept when a driver is already bound
//   - ErrInvalidTransition on any edge outside the lifecycle graph
func Transition(t Trip, to State, now time.Time) (Trip, error) {
	if IsTerminal(t.State) {
		return t, ErrTripClosed
	}
	if to == StateAccepted && t.DriverID != nil {
		return t, ErrTripMatched
	}
	if !CanTransition(t.State, to) {
		return t, ErrInvalidTransition
	}
	t.State = to
	t.Version++
	t.UpdatedAt = now
	return t, nil
}
