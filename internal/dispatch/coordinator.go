// README: Trip coordinator; orchestrates request→match→lifecycle and owns per-trip concurrency.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hail/internal/driver"
	"hail/internal/eventbus"
	"hail/internal/geo"
	"hail/internal/trip"
	"hail/internal/types"
)

type ActorType string

const (
	ActorPassenger ActorType = "passenger"
	ActorDriver    ActorType = "driver"
)

// Actor identifies who issued a command; authorization is per-transition.
type Actor struct {
	ID   types.ID
	Type ActorType
}

// Routing is the external routing collaborator. The core never computes
// routes itself; it only decorates accept events with the provider's pickup
// ETA when one is configured.
type Routing interface {
	PickupETA(ctx context.Context, from, to types.Point) (time.Duration, error)
}

// Outbound mirrors published events to systems beyond the in-process bus.
type Outbound interface {
	Publish(ctx context.Context, ev eventbus.Event)
}

type Config struct {
	// DefaultRadiusMeters bounds candidate search when the caller passes none.
	DefaultRadiusMeters float64
	// ArrivalRadiusMeters is the pickup proximity that auto-fires DriverArrived.
	ArrivalRadiusMeters float64
}

// Coordinator serializes all operations per trip (keyed mutex) on top of the
// store's compare-and-set, which also guards against racing peer instances.
type Coordinator struct {
	store    trip.Store
	registry *driver.Registry
	bus      *eventbus.Bus
	outbound Outbound
	routing  Routing
	cfg      Config
	log      *slog.Logger

	locks *keyLock
	// passengerLocks serializes request admission per passenger so the
	// active-trip check and the create are one atomic step.
	passengerLocks *keyLock
	now            func() time.Time
	newID          func() types.ID
}

func NewCoordinator(store trip.Store, registry *driver.Registry, bus *eventbus.Bus, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultRadiusMeters <= 0 {
		cfg.DefaultRadiusMeters = 3000
	}
	if cfg.ArrivalRadiusMeters <= 0 {
		cfg.ArrivalRadiusMeters = 100
	}
	c := &Coordinator{
		store:          store,
		registry:       registry,
		bus:            bus,
		cfg:            cfg,
		log:            log,
		locks:          newKeyLock(),
		passengerLocks: newKeyLock(),
		now:            time.Now,
		newID:          func() types.ID { return types.ID(uuid.NewString()) },
	}
	registry.OnMove(c.onDriverMoved)
	return c
}

// WithRouting wires the optional external routing provider.
func (c *Coordinator) WithRouting(r Routing) *Coordinator {
	c.routing = r
	return c
}

// WithOutbound wires the optional outbound event bridge.
func (c *Coordinator) WithOutbound(o Outbound) *Coordinator {
	c.outbound = o
	return c
}

// RequestTrip creates a trip in Requested state and offers it to drivers in
// the pickup area. Matching is not automatic: drivers observe the offer and
// race to accept.
func (c *Coordinator) RequestTrip(ctx context.Context, passengerID types.ID, pickup, destination types.Point) (*trip.Trip, error) {
	if passengerID == "" {
		return nil, trip.ErrBadRequest
	}

	// Admission is serialized per passenger; otherwise two concurrent
	// requests both pass the active-trip check and both create.
	unlock := c.passengerLocks.lock(passengerID)
	defer unlock()

	active, err := c.store.HasActiveByPassenger(ctx, passengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, trip.ErrActiveTrip
	}

	now := c.now()
	t := &trip.Trip{
		ID:          c.newID(),
		PassengerID: passengerID,
		State:       trip.StateRequested,
		Pickup:      pickup,
		Destination: destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Create(ctx, t); err != nil {
		return nil, err
	}
	c.appendEvent(ctx, t.ID, "", trip.StateRequested, Actor{ID: passengerID, Type: ActorPassenger})

	ev := eventbus.Event{
		Type:        eventbus.TypeTripCreated,
		TripID:      t.ID,
		PassengerID: passengerID,
		State:       string(t.State),
		Pickup:      &t.Pickup,
		Destination: &t.Destination,
		At:          now,
	}
	c.publish(ctx, eventbus.TripTopic(t.ID), ev)
	c.publish(ctx, eventbus.OffersTopic, ev)
	return t, nil
}

// FindCandidates exposes the dispatch priority view: online, unbound drivers
// near the pickup, nearest first.
func (c *Coordinator) FindCandidates(ctx context.Context, pickup types.Point, radiusMeters float64) []driver.Candidate {
	if radiusMeters <= 0 {
		radiusMeters = c.cfg.DefaultRadiusMeters
	}
	return c.registry.FindCandidates(ctx, pickup, radiusMeters)
}

// AcceptTrip binds driverID to the trip. First accept wins: the per-trip
// lock serializes local racers and the store CAS rejects anything that slips
// past it, so exactly one concurrent accept succeeds.
func (c *Coordinator) AcceptTrip(ctx context.Context, tripID, driverID types.ID) (*trip.Trip, error) {
	if tripID == "" || driverID == "" {
		return nil, trip.ErrBadRequest
	}
	if _, online := c.registry.Lookup(driverID); !online {
		return nil, driver.ErrNotOnline
	}

	unlock := c.locks.lock(tripID)
	defer unlock()

	t, err := c.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	updated, err := trip.Transition(*t, trip.StateAccepted, c.now())
	if err != nil {
		return nil, err
	}

	// One non-terminal trip per driver. The busy claim is taken before the
	// commit: accepts on two different trips hold two different trip locks,
	// so only an atomic per-driver claim can keep both from binding.
	if !c.registry.TryMarkBusy(driverID) {
		return nil, trip.ErrDriverBusy
	}
	// A peer instance may have bound the driver without touching this
	// instance's busy set.
	if bound, err := c.store.ActiveByDriver(ctx, driverID); err != nil {
		c.registry.MarkAvailable(driverID)
		return nil, err
	} else if bound != nil {
		// The binding lives on a peer; that peer owns the release, so the
		// speculative local claim is dropped.
		c.registry.MarkAvailable(driverID)
		return nil, trip.ErrDriverBusy
	}

	ok, err := c.store.UpdateState(ctx, t.ID, t.State, updated.State, t.Version, &driverID)
	if err != nil {
		c.registry.MarkAvailable(driverID)
		return nil, err
	}
	if !ok {
		c.registry.MarkAvailable(driverID)
		// A peer instance won between our read and write; report what the
		// trip looks like now.
		return nil, c.casLossError(ctx, t.ID, trip.StateAccepted)
	}

	updated.DriverID = &driverID
	c.appendEvent(ctx, t.ID, t.State, updated.State, Actor{ID: driverID, Type: ActorDriver})

	ev := eventbus.Event{
		Type:        eventbus.TypeTripAccepted,
		TripID:      t.ID,
		PassengerID: t.PassengerID,
		DriverID:    driverID,
		State:       string(updated.State),
		At:          updated.UpdatedAt,
	}
	if eta := c.pickupETA(ctx, driverID, t.Pickup); eta > 0 {
		ev.PickupETA = int(eta.Seconds())
	}
	c.publish(ctx, eventbus.TripTopic(t.ID), ev)
	return &updated, nil
}

// AdvanceState applies one lifecycle transition on behalf of actor.
// Progress transitions belong to the bound driver; cancellation routes
// through CancelTrip semantics; Denied is a driver declining an open request.
func (c *Coordinator) AdvanceState(ctx context.Context, tripID types.ID, target trip.State, actor Actor) (*trip.Trip, error) {
	if tripID == "" || actor.ID == "" {
		return nil, trip.ErrBadRequest
	}

	unlock := c.locks.lock(tripID)
	defer unlock()
	return c.advanceLocked(ctx, tripID, target, actor)
}

func (c *Coordinator) advanceLocked(ctx context.Context, tripID types.ID, target trip.State, actor Actor) (*trip.Trip, error) {
	t, err := c.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, target, actor); err != nil {
		return nil, err
	}
	updated, err := trip.Transition(*t, target, c.now())
	if err != nil {
		return nil, err
	}

	ok, err := c.store.UpdateState(ctx, t.ID, t.State, updated.State, t.Version, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.casLossError(ctx, t.ID, target)
	}

	c.appendEvent(ctx, t.ID, t.State, updated.State, actor)

	if trip.IsTerminal(updated.State) && updated.DriverID != nil {
		c.registry.MarkAvailable(*updated.DriverID)
	}

	evType := eventbus.TypeTripStateChanged
	switch updated.State {
	case trip.StateCancelledByPassenger, trip.StateCancelledByDriver:
		evType = eventbus.TypeTripCancelled
	}
	ev := eventbus.Event{
		Type:        evType,
		TripID:      t.ID,
		PassengerID: t.PassengerID,
		State:       string(updated.State),
		At:          updated.UpdatedAt,
	}
	if updated.DriverID != nil {
		ev.DriverID = *updated.DriverID
	}
	c.publish(ctx, eventbus.TripTopic(t.ID), ev)
	return &updated, nil
}

// CancelTrip cancels on behalf of either party while the trip is still
// cancellable. It never deadlocks against an in-flight accept: both paths
// run under the same per-trip lock.
func (c *Coordinator) CancelTrip(ctx context.Context, tripID types.ID, actor Actor) (*trip.Trip, error) {
	if tripID == "" || actor.ID == "" {
		return nil, trip.ErrBadRequest
	}

	var target trip.State
	switch actor.Type {
	case ActorPassenger:
		target = trip.StateCancelledByPassenger
	case ActorDriver:
		target = trip.StateCancelledByDriver
	default:
		return nil, trip.ErrBadRequest
	}

	unlock := c.locks.lock(tripID)
	defer unlock()

	t, err := c.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.Cancellable(t.State) {
		return nil, trip.ErrTripClosed
	}
	return c.advanceLocked(ctx, tripID, target, actor)
}

// OnDriverProximity fires the DriverArrived transition when the bound driver
// is within radiusMeters of the pickup while the trip is Accepted. Idempotent:
// any state past Accepted makes it a no-op.
func (c *Coordinator) OnDriverProximity(ctx context.Context, tripID, driverID types.ID, radiusMeters float64) error {
	unlock := c.locks.lock(tripID)
	defer unlock()

	t, err := c.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if t.State != trip.StateAccepted {
		return nil
	}
	if t.DriverID == nil || *t.DriverID != driverID {
		return nil
	}
	loc, ok := c.registry.Lookup(driverID)
	if !ok {
		return nil
	}
	if geo.DistanceMeters(loc.Position, t.Pickup) > radiusMeters {
		return nil
	}

	_, err = c.advanceLocked(ctx, tripID, trip.StateDriverArrived, Actor{ID: driverID, Type: ActorDriver})
	if errors.Is(err, trip.ErrInvalidTransition) || errors.Is(err, trip.ErrTripClosed) {
		// Lost a race with another transition; arrival is moot.
		return nil
	}
	return err
}

// onDriverMoved runs on every accepted location fix: it streams the position
// to the driver's bound trip and checks pickup proximity.
func (c *Coordinator) onDriverMoved(ctx context.Context, driverID types.ID, pos types.Point) {
	t, err := c.store.ActiveByDriver(ctx, driverID)
	if err != nil {
		c.log.Warn("active trip lookup failed on move", "driver_id", driverID, "err", err)
		return
	}
	if t == nil {
		return
	}

	c.publish(ctx, eventbus.TripTopic(t.ID), eventbus.Event{
		Type:        eventbus.TypeDriverPositionChanged,
		TripID:      t.ID,
		PassengerID: t.PassengerID,
		DriverID:    driverID,
		Position:    &pos,
		At:          c.now(),
	})

	if t.State == trip.StateAccepted {
		if err := c.OnDriverProximity(ctx, t.ID, driverID, c.cfg.ArrivalRadiusMeters); err != nil {
			c.log.Warn("proximity check failed", "trip_id", t.ID, "driver_id", driverID, "err", err)
		}
	}
}

// GetTrip returns the current trip snapshot.
func (c *Coordinator) GetTrip(ctx context.Context, tripID types.ID) (*trip.Trip, error) {
	return c.store.Get(ctx, tripID)
}

// authorize enforces who may request which transition.
func authorize(t *trip.Trip, target trip.State, actor Actor) error {
	switch target {
	case trip.StateCancelledByPassenger:
		if actor.Type != ActorPassenger || actor.ID != t.PassengerID {
			return trip.ErrUnauthorized
		}
	case trip.StateCancelledByDriver:
		if actor.Type != ActorDriver || !isBoundDriver(t, actor.ID) {
			return trip.ErrUnauthorized
		}
	case trip.StateDenied:
		if actor.Type != ActorDriver {
			return trip.ErrUnauthorized
		}
	case trip.StateDriverArrived, trip.StateInProgress, trip.StateArrivedAtDestination, trip.StateCompleted:
		if actor.Type != ActorDriver {
			return trip.ErrUnauthorized
		}
		if t.DriverID == nil {
			// Progress demanded on an unmatched trip: the graph will reject
			// it, but a driver claiming to be bound here is an authz failure.
			return trip.ErrUnauthorized
		}
		if !isBoundDriver(t, actor.ID) {
			return trip.ErrUnauthorized
		}
	case trip.StateAccepted:
		// Accept goes through AcceptTrip, which binds the driver atomically.
		return trip.ErrUnauthorized
	}
	return nil
}

func isBoundDriver(t *trip.Trip, id types.ID) bool {
	return t.DriverID != nil && *t.DriverID == id
}

// casLossError re-reads the trip after a lost compare-and-set and maps the
// observed state to the taxonomy the caller expects.
func (c *Coordinator) casLossError(ctx context.Context, tripID types.ID, target trip.State) error {
	t, err := c.store.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if _, terr := trip.Transition(*t, target, c.now()); terr != nil {
		return terr
	}
	// The same transition would now succeed: the row moved under us in a way
	// that should be impossible under per-trip serialization.
	c.log.Error("unexplained CAS loss", "trip_id", tripID, "target", target, "state", t.State)
	return trip.ErrInternal
}

func (c *Coordinator) appendEvent(ctx context.Context, tripID types.ID, from, to trip.State, actor Actor) {
	actorID := actor.ID
	err := c.store.AppendEvent(ctx, &trip.Event{
		TripID:    tripID,
		FromState: from,
		ToState:   to,
		ActorType: string(actor.Type),
		ActorID:   &actorID,
		CreatedAt: c.now(),
	})
	if err != nil {
		// The audit trail is advisory; the transition already committed.
		c.log.Warn("append trip event failed", "trip_id", tripID, "to", to, "err", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, ev eventbus.Event) {
	c.bus.Publish(ctx, topic, ev)
	if c.outbound != nil {
		c.outbound.Publish(ctx, ev)
	}
}

func (c *Coordinator) pickupETA(ctx context.Context, driverID types.ID, pickup types.Point) time.Duration {
	if c.routing == nil {
		return 0
	}
	loc, ok := c.registry.Lookup(driverID)
	if !ok {
		return 0
	}
	eta, err := c.routing.PickupETA(ctx, loc.Position, pickup)
	if err != nil {
		c.log.Warn("routing provider ETA failed", "driver_id", driverID, "err", err)
		return 0
	}
	return eta
}
