package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"hail/internal/driver"
	"hail/internal/eventbus"
	"hail/internal/geo"
	"hail/internal/trip"
	"hail/internal/types"
)

type fixture struct {
	store    *trip.MemStore
	registry *driver.Registry
	bus      *eventbus.Bus
	coord    *Coordinator
}

func newFixture() *fixture {
	store := trip.NewMemStore()
	registry := driver.NewRegistry(geo.NewCellIndex(geo.DefaultPrecision), nil, nil)
	bus := eventbus.New(nil, nil)
	coord := NewCoordinator(store, registry, bus, Config{
		DefaultRadiusMeters: 3000,
		ArrivalRadiusMeters: 100,
	}, nil)
	return &fixture{store: store, registry: registry, bus: bus, coord: coord}
}

func (f *fixture) requestTrip(t *testing.T, passengerID types.ID) *trip.Trip {
	t.Helper()
	tr, err := f.coord.RequestTrip(context.Background(), passengerID,
		types.Point{Lat: 1, Lng: 1}, types.Point{Lat: 2, Lng: 2})
	if err != nil {
		t.Fatalf("request trip: %v", err)
	}
	return tr
}

func (f *fixture) onlineDriver(t *testing.T, id types.ID, pos types.Point) {
	t.Helper()
	if err := f.registry.GoOnline(context.Background(), id, pos); err != nil {
		t.Fatalf("driver online: %v", err)
	}
}

func TestRequestTripRejectsSecondActive(t *testing.T) {
	f := newFixture()
	f.requestTrip(t, "p1")

	_, err := f.coord.RequestTrip(context.Background(), "p1",
		types.Point{Lat: 1, Lng: 1}, types.Point{Lat: 2, Lng: 2})
	if !errors.Is(err, trip.ErrActiveTrip) {
		t.Fatalf("want ErrActiveTrip, got %v", err)
	}
}

func TestRequestTripPublishesOffer(t *testing.T) {
	f := newFixture()
	sub := f.bus.SubscribeOffers(types.Point{Lat: 1, Lng: 1}, 2000)
	defer f.bus.Unsubscribe(sub)

	tr := f.requestTrip(t, "p1")

	ev := <-sub.Events()
	if ev.Type != eventbus.TypeTripCreated || ev.TripID != tr.ID {
		t.Fatalf("unexpected offer: %+v", ev)
	}
}

func TestConcurrentAcceptSameTrip(t *testing.T) {
	f := newFixture()
	tr := f.requestTrip(t, "p1")

	const attempts = 8
	for i := 0; i < attempts; i++ {
		f.onlineDriver(t, types.ID(fmt.Sprintf("d%d", i)), types.Point{Lat: 1.0001, Lng: 1.0001})
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		driverID := types.ID(fmt.Sprintf("d%d", i))
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			_, err := f.coord.AcceptTrip(context.Background(), tr.ID, did)
			errs <- err
		}(driverID)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, trip.ErrTripMatched) {
			t.Fatalf("loser got %v, want ErrTripMatched", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful accept, got %d", success)
	}

	final, err := f.coord.GetTrip(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if final.State != trip.StateAccepted || final.DriverID == nil {
		t.Fatalf("unexpected final trip: %+v", final)
	}
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	f := newFixture()
	tr := f.requestTrip(t, "p1")
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.coord.AcceptTrip(context.Background(), tr.ID, "d1")
		errs <- err
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.coord.CancelTrip(context.Background(), tr.ID, Actor{ID: "p1", Type: ActorPassenger})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, trip.ErrTripMatched) && !errors.Is(err, trip.ErrTripClosed) &&
			!errors.Is(err, trip.ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	final, err := f.coord.GetTrip(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	switch final.State {
	case trip.StateAccepted, trip.StateCancelledByPassenger:
	default:
		t.Fatalf("unexpected final state: %s", final.State)
	}
}

func TestAcceptRequiresOnlineDriver(t *testing.T) {
	f := newFixture()
	tr := f.requestTrip(t, "p1")

	_, err := f.coord.AcceptTrip(context.Background(), tr.ID, "ghost")
	if !errors.Is(err, driver.ErrNotOnline) {
		t.Fatalf("want ErrNotOnline, got %v", err)
	}
}

func TestAcceptRejectsBoundDriver(t *testing.T) {
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	first := f.requestTrip(t, "p1")
	if _, err := f.coord.AcceptTrip(context.Background(), first.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	second := f.requestTrip(t, "p2")
	_, err := f.coord.AcceptTrip(context.Background(), second.ID, "d1")
	if !errors.Is(err, trip.ErrDriverBusy) {
		t.Fatalf("want ErrDriverBusy, got %v", err)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pickup := types.Point{Lat: 1, Lng: 1}
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	tr := f.requestTrip(t, "p1")
	if _, err := f.coord.AcceptTrip(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := f.registry.FindCandidates(ctx, pickup, 2000); len(got) != 0 {
		t.Fatalf("busy driver still dispatchable: %v", got)
	}

	final, err := f.coord.CancelTrip(ctx, tr.ID, Actor{ID: "p1", Type: ActorPassenger})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if final.State != trip.StateCancelledByPassenger {
		t.Fatalf("state = %s", final.State)
	}
	if got := f.registry.FindCandidates(ctx, pickup, 2000); len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("driver not released after cancel: %v", got)
	}
}

func TestCancelClosedTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	tr := f.requestTrip(t, "p1")
	if _, err := f.coord.CancelTrip(ctx, tr.ID, Actor{ID: "p1", Type: ActorPassenger}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := f.coord.CancelTrip(ctx, tr.ID, Actor{ID: "p1", Type: ActorPassenger})
	if !errors.Is(err, trip.ErrTripClosed) {
		t.Fatalf("want ErrTripClosed, got %v", err)
	}
}

func TestCancelNotCancellableOnceInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	tr := f.requestTrip(t, "p1")
	mustAdvance(t, f, tr.ID, "d1", trip.StateDriverArrived, trip.StateInProgress)

	_, err := f.coord.CancelTrip(ctx, tr.ID, Actor{ID: "p1", Type: ActorPassenger})
	if !errors.Is(err, trip.ErrTripClosed) {
		t.Fatalf("want ErrTripClosed once in progress, got %v", err)
	}
}

// mustAdvance accepts the trip as d1 and walks it through the given states.
func mustAdvance(t *testing.T, f *fixture, tripID types.ID, driverID types.ID, states ...trip.State) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.coord.AcceptTrip(ctx, tripID, driverID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, s := range states {
		if _, err := f.coord.AdvanceState(ctx, tripID, s, Actor{ID: driverID, Type: ActorDriver}); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
}

func TestAdvanceStateAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})
	f.onlineDriver(t, "d2", types.Point{Lat: 1.0002, Lng: 1.0002})

	tr := f.requestTrip(t, "p1")
	if _, err := f.coord.AcceptTrip(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The passenger may not drive the progress transitions.
	_, err := f.coord.AdvanceState(ctx, tr.ID, trip.StateDriverArrived, Actor{ID: "p1", Type: ActorPassenger})
	if !errors.Is(err, trip.ErrUnauthorized) {
		t.Fatalf("passenger advance: want ErrUnauthorized, got %v", err)
	}

	// Nor may a driver who is not bound to the trip.
	_, err = f.coord.AdvanceState(ctx, tr.ID, trip.StateDriverArrived, Actor{ID: "d2", Type: ActorDriver})
	if !errors.Is(err, trip.ErrUnauthorized) {
		t.Fatalf("unbound driver advance: want ErrUnauthorized, got %v", err)
	}

	// A foreign passenger may not cancel.
	_, err = f.coord.CancelTrip(ctx, tr.ID, Actor{ID: "p2", Type: ActorPassenger})
	if !errors.Is(err, trip.ErrUnauthorized) {
		t.Fatalf("foreign cancel: want ErrUnauthorized, got %v", err)
	}

	if _, err := f.coord.AdvanceState(ctx, tr.ID, trip.StateDriverArrived, Actor{ID: "d1", Type: ActorDriver}); err != nil {
		t.Fatalf("bound driver advance: %v", err)
	}
}

func TestFullLifecycleToCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pickup := types.Point{Lat: 1, Lng: 1}
	f.onlineDriver(t, "d1", types.Point{Lat: 1.0001, Lng: 1.0001})

	tr := f.requestTrip(t, "p1")
	mustAdvance(t, f, tr.ID, "d1",
		trip.StateDriverArrived, trip.StateInProgress,
		trip.StateArrivedAtDestination, trip.StateCompleted)

	final, err := f.coord.GetTrip(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if final.State != trip.StateCompleted {
		t.Fatalf("state = %s", final.State)
	}
	// Completion frees the driver for the next dispatch.
	if got := f.registry.FindCandidates(ctx, pickup, 2000); len(got) != 1 {
		t.Fatalf("driver not released after completion: %v", got)
	}
	// The passenger may request again.
	f.requestTrip(t, "p1")
}

func TestProximityFiresArrivalExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.5, Lng: 1.5})

	tr := f.requestTrip(t, "p1")
	if _, err := f.coord.AcceptTrip(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub := f.bus.Subscribe(eventbus.TripTopic(tr.ID))
	defer f.bus.Unsubscribe(sub)

	// Fix far from the pickup: no arrival.
	if err := f.registry.UpdateLocation(ctx, "d1", types.Point{Lat: 1.1, Lng: 1.1}); err != nil {
		t.Fatalf("update location: %v", err)
	}
	got, _ := f.coord.GetTrip(ctx, tr.ID)
	if got.State != trip.StateAccepted {
		t.Fatalf("arrival fired early: %s", got.State)
	}

	// Fix at the pickup: arrival fires.
	if err := f.registry.UpdateLocation(ctx, "d1", types.Point{Lat: 1.0000001, Lng: 1.0000001}); err != nil {
		t.Fatalf("update location: %v", err)
	}
	got, _ = f.coord.GetTrip(ctx, tr.ID)
	if got.State != trip.StateDriverArrived {
		t.Fatalf("arrival did not fire: %s", got.State)
	}
	version := got.Version

	// Repeated fixes at the pickup stay no-ops.
	for i := 0; i < 3; i++ {
		if err := f.coord.OnDriverProximity(ctx, tr.ID, "d1", 100); err != nil {
			t.Fatalf("proximity: %v", err)
		}
	}
	got, _ = f.coord.GetTrip(ctx, tr.ID)
	if got.State != trip.StateDriverArrived || got.Version != version {
		t.Fatalf("proximity was not idempotent: %+v", got)
	}
}

func TestDriverPositionStreamsToTripTopic(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.onlineDriver(t, "d1", types.Point{Lat: 1.5, Lng: 1.5})

	tr := f.requestTrip(t, "p1")
	if _, err := f.coord.AcceptTrip(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub := f.bus.Subscribe(eventbus.TripTopic(tr.ID))
	defer f.bus.Unsubscribe(sub)

	if err := f.registry.UpdateLocation(ctx, "d1", types.Point{Lat: 1.4, Lng: 1.4}); err != nil {
		t.Fatalf("update location: %v", err)
	}

	ev := <-sub.Events()
	if ev.Type != eventbus.TypeDriverPositionChanged || ev.DriverID != "d1" || ev.Position == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
