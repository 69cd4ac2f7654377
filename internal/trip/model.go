// README: Trip aggregate and lifecycle state definitions.
package trip

import (
	"time"

	"hail/internal/types"
)

type State string

const (
	StateRequested            State = "requested"
	StateAccepted             State = "accepted"
	StateDenied               State = "denied"
	StateDriverArrived        State = "driver_arrived"
	StateInProgress           State = "in_progress"
	StateArrivedAtDestination State = "arrived_at_destination"
	StateCompleted            State = "completed"
	StateCancelledByPassenger State = "cancelled_by_passenger"
	StateCancelledByDriver    State = "cancelled_by_driver"
)

type Trip struct {
	ID          types.ID
	PassengerID types.ID
	DriverID    *types.ID
	State       State
	// Version counts applied transitions; the store's compare-and-set update
	// keys on it so concurrent writers cannot both commit.
	Version     int
	Pickup      types.Point
	Destination types.Point
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is one audit record of an applied transition.
type Event struct {
	ID        int64
	TripID    types.ID
	FromState State
	ToState   State
	ActorType string
	ActorID   *types.ID
	CreatedAt time.Time
}

// AllowedTransitions represents the trip state flow (diagram) as code.
var AllowedTransitions = map[State][]State{
	StateRequested:            {StateAccepted, StateDenied, StateCancelledByPassenger},
	StateAccepted:             {StateDriverArrived, StateCancelledByPassenger, StateCancelledByDriver},
	StateDriverArrived:        {StateInProgress, StateCancelledByPassenger},
	StateInProgress:           {StateArrivedAtDestination},
	StateArrivedAtDestination: {StateCompleted},
}

func CanTransition(from, to State) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func IsTerminal(s State) bool {
	switch s {
	case StateDenied, StateCompleted, StateCancelledByPassenger, StateCancelledByDriver:
		return true
	}
	return false
}

// Cancellable reports whether either party may still cancel from s.
func Cancellable(s State) bool {
	return CanTransition(s, StateCancelledByPassenger) || CanTransition(s, StateCancelledByDriver)
}

// States lists every defined state, for exhaustive validation.
func States() []State {
	return []State{
		StateRequested, StateAccepted, StateDenied, StateDriverArrived,
		StateInProgress, StateArrivedAtDestination, StateCompleted,
		StateCancelledByPassenger, StateCancelledByDriver,
	}
}
