// README: Trip store backed by PostgreSQL with compare-and-set state updates.
package trip

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hail/internal/infra"
	"hail/internal/types"
)

// Postgres unique_violation; raised by the partial unique indexes that cap
// active trips at one per passenger and one per bound driver.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

type PGStore struct {
	db infra.Querier
}

func NewPGStore(db infra.Querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO trips (
            id, passenger_id, driver_id, state, version,
            pickup_lat, pickup_lng, dest_lat, dest_lng,
            created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11
        )`,
		string(t.ID),
		string(t.PassengerID),
		toStringPtr(t.DriverID),
		string(t.State),
		t.Version,
		t.Pickup.Lat, t.Pickup.Lng,
		t.Destination.Lat, t.Destination.Lng,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		// A peer instance created an active trip for this passenger between
		// our check and this insert.
		return ErrActiveTrip
	}
	return Unavailable(err)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, passenger_id, driver_id, state, version,
               pickup_lat, pickup_lng, dest_lat, dest_lng,
               created_at, updated_at
        FROM trips
        WHERE id = $1`, string(id),
	)
	return scanTrip(row)
}

func (s *PGStore) UpdateState(ctx context.Context, id types.ID, from, to State, version int, driverID *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE trips
        SET state = $1,
            version = version + 1,
            driver_id = COALESCE(driver_id, $2),
            updated_at = NOW()
        WHERE id = $3 AND state = $4 AND version = $5`,
		string(to),
		toStringPtr(driverID),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// The driver already holds an active trip on a peer instance.
			return false, ErrDriverBusy
		}
		return false, Unavailable(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO trip_state_events (
            trip_id, from_state, to_state, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.FromState),
		string(e.ToState),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return Unavailable(err)
}

func (s *PGStore) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM trips
            WHERE passenger_id = $1
              AND state IN ('requested','accepted','driver_arrived','in_progress','arrived_at_destination')
        )`, string(passengerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, Unavailable(err)
	}
	return exists, nil
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, passenger_id, driver_id, state, version,
               pickup_lat, pickup_lng, dest_lat, dest_lng,
               created_at, updated_at
        FROM trips
        WHERE driver_id = $1
          AND state IN ('accepted','driver_arrived','in_progress','arrived_at_destination')
        LIMIT 1`, string(driverID),
	)
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var driverID *string
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&t.ID, &t.PassengerID, &driverID, &t.State, &t.Version,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Destination.Lat, &t.Destination.Lng,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable(err)
	}
	if driverID != nil {
		d := types.ID(*driverID)
		t.DriverID = &d
	}
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return &t, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
