// README: In-memory Store for tests and DB-less operation; same CAS contract as Postgres.
package trip

import (
	"context"
	"sync"

	"hail/internal/types"
)

type MemStore struct {
	mu     sync.Mutex
	trips  map[types.ID]Trip
	events []Event
	nextID int64
}

func NewMemStore() *MemStore {
	return &MemStore{trips: make(map[types.ID]Trip)}
}

func (s *MemStore) Create(ctx context.Context, t *Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.ID] = *t
	return nil
}

func (s *MemStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (s *MemStore) UpdateState(ctx context.Context, id types.ID, from, to State, version int, driverID *types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != from || t.Version != version {
		return false, nil
	}
	t.State = to
	t.Version++
	if t.DriverID == nil && driverID != nil {
		d := *driverID
		t.DriverID = &d
	}
	s.trips[id] = t
	return true, nil
}

func (s *MemStore) AppendEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.events = append(s.events, *e)
	return nil
}

func (s *MemStore) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.PassengerID == passengerID && !IsTerminal(t.State) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trips {
		if t.DriverID != nil && *t.DriverID == driverID && !IsTerminal(t.State) {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

// Events returns a copy of the audit trail, oldest first.
func (s *MemStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
