// README: Driver presence, location lifecycle, and candidate lookup on top of the geo index.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hail/internal/geo"
	"hail/internal/types"
)

// ErrNotOnline rejects location updates and offline transitions for drivers
// that never went online (or already left).
var ErrNotOnline = errors.New("driver not online")

// Location is a driver's last known fix.
type Location struct {
	DriverID    types.ID
	Position    types.Point
	LastUpdated time.Time
}

// Candidate is a dispatchable driver ranked by distance to a pickup point.
type Candidate struct {
	ID             types.ID
	Position       types.Point
	DistanceMeters float64
}

// Registry owns driver presence. It is the only writer of driver locations;
// the geo index holds spatial placement, the busy set tracks trip bindings,
// and an optional Redis mirror exposes presence to external collaborators.
type Registry struct {
	index  geo.Index
	mirror *Mirror
	log    *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	online map[types.ID]Location
	busy   map[types.ID]struct{}

	// onMove, when set, observes every accepted location update. The
	// coordinator uses it to drive proximity-triggered arrival.
	onMove func(ctx context.Context, id types.ID, pos types.Point)
}

func NewRegistry(index geo.Index, mirror *Mirror, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		index:  index,
		mirror: mirror,
		log:    log,
		now:    time.Now,
		online: make(map[types.ID]Location),
		busy:   make(map[types.ID]struct{}),
	}
}

// OnMove registers the location-update observer. Must be called during
// wiring, before the registry starts receiving fixes.
func (r *Registry) OnMove(fn func(ctx context.Context, id types.ID, pos types.Point)) {
	r.onMove = fn
}

// GoOnline registers the driver at pos. Idempotent: a second call refreshes
// the position.
func (r *Registry) GoOnline(ctx context.Context, id types.ID, pos types.Point) error {
	loc := Location{DriverID: id, Position: pos, LastUpdated: r.now()}

	r.mu.Lock()
	r.online[id] = loc
	r.mu.Unlock()

	r.index.Upsert(id, pos)
	r.mirrorUpsert(ctx, loc)
	return nil
}

// GoOffline removes the driver's presence and spatial placement.
func (r *Registry) GoOffline(ctx context.Context, id types.ID) error {
	r.mu.Lock()
	_, ok := r.online[id]
	if ok {
		delete(r.online, id)
		delete(r.busy, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotOnline
	}
	r.index.Remove(id)
	r.mirrorRemove(ctx, id)
	return nil
}

// UpdateLocation records a fresh fix for an online driver and notifies the
// move observer.
func (r *Registry) UpdateLocation(ctx context.Context, id types.ID, pos types.Point) error {
	loc := Location{DriverID: id, Position: pos, LastUpdated: r.now()}

	r.mu.Lock()
	_, ok := r.online[id]
	if ok {
		r.online[id] = loc
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotOnline
	}
	r.index.Upsert(id, pos)
	r.mirrorUpsert(ctx, loc)

	if r.onMove != nil {
		r.onMove(ctx, id, pos)
	}
	return nil
}

// Lookup returns the driver's last fix.
func (r *Registry) Lookup(id types.ID) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.online[id]
	return loc, ok
}

// MarkBusy binds the driver to a trip so candidate queries skip them.
func (r *Registry) MarkBusy(id types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy[id] = struct{}{}
}

// TryMarkBusy claims the driver for a trip binding, failing when another
// accept already holds the claim. Check and claim are one atomic step, so
// racing accepts on different trips cannot both bind the same driver.
func (r *Registry) TryMarkBusy(id types.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.busy[id]; busy {
		return false
	}
	r.busy[id] = struct{}{}
	return true
}

// MarkAvailable releases the driver back into the dispatchable pool.
func (r *Registry) MarkAvailable(id types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, id)
}

// FindCandidates returns online, non-busy drivers within radiusMeters of
// pickup, nearest first. Distance ordering is the dispatch priority policy.
func (r *Registry) FindCandidates(ctx context.Context, pickup types.Point, radiusMeters float64) []Candidate {
	hits := r.index.Query(pickup, radiusMeters)

	r.mu.RLock()
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		if _, busy := r.busy[h.ID]; busy {
			continue
		}
		if _, ok := r.online[h.ID]; !ok {
			// Index entry outlived presence; skip rather than dispatch a ghost.
			continue
		}
		candidates = append(candidates, Candidate{
			ID:             h.ID,
			Position:       h.Position,
			DistanceMeters: geo.DistanceMeters(pickup, h.Position),
		})
	}
	r.mu.RUnlock()

	geo.SortByDistance(candidates, func(c Candidate) float64 { return c.DistanceMeters })
	return candidates
}

func (r *Registry) mirrorUpsert(ctx context.Context, loc Location) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Upsert(ctx, loc); err != nil {
		// Location fixes are lossy; the next one heals the mirror.
		r.log.Warn("driver mirror upsert failed", "driver_id", loc.DriverID, "err", err)
	}
}

func (r *Registry) mirrorRemove(ctx context.Context, id types.ID) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Remove(ctx, id); err != nil {
		r.log.Warn("driver mirror remove failed", "driver_id", id, "err", err)
	}
}
