// README: Storage contract for trips; Postgres and in-memory implementations honor the same CAS rules.
package trip

import (
	"context"

	"hail/internal/types"
)

// Store persists trips and their transition audit trail. UpdateState is a
// compare-and-set: it commits only when the stored (state, version) still
// match what the caller read, so racing writers cannot both win.
type Store interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)

	// UpdateState applies from→to when the stored row still carries (from,
	// version). driverID, when non-nil, is bound to the trip; an existing
	// binding is never overwritten. Returns false when the CAS lost.
	UpdateState(ctx context.Context, id types.ID, from, to State, version int, driverID *types.ID) (bool, error)

	AppendEvent(ctx context.Context, e *Event) error

	// HasActiveByPassenger reports whether the passenger owns a non-terminal trip.
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)

	// ActiveByDriver returns the driver's bound non-terminal trip, or nil.
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error)
}
