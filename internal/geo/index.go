// README: In-memory proximity index over driver positions, bucketed by geohash cell.
package geo

import (
	"sync"

	"github.com/mmcloughlin/geohash"

	"hail/internal/types"
)

// Entry is one indexed position. Query results carry the position so the
// caller can rank by exact distance without a second lookup.
type Entry struct {
	ID       types.ID
	Position types.Point
}

// Index answers "which entries lie within radius R of point P" as positions
// churn. Implementations are safe for concurrent use; Query observes a
// consistent snapshot and result order is unspecified.
type Index interface {
	Upsert(id types.ID, pos types.Point)
	Remove(id types.ID)
	Query(center types.Point, radiusMeters float64) []Entry
}

// CellIndex buckets entries by fixed-precision geohash cell. A query walks
// outward from the center cell over neighboring cells whose bounding box
// intersects the query circle, then filters candidates by exact great-circle
// distance. Precision 6 cells are ~1.2km on a side, a reasonable default for
// city-scale dispatch radii.
type CellIndex struct {
	precision uint

	mu      sync.RWMutex
	entries map[types.ID]cellEntry
	cells   map[string]map[types.ID]struct{}
}

type cellEntry struct {
	pos  types.Point
	cell string
}

const (
	// DefaultPrecision is the geohash length used for bucketing.
	DefaultPrecision = 6

	// maxQueryCells bounds the cell walk for oversized radii; past this the
	// query degrades to a full scan rather than flooding the neighbor graph.
	maxQueryCells = 512
)

func NewCellIndex(precision uint) *CellIndex {
	if precision == 0 {
		precision = DefaultPrecision
	}
	return &CellIndex{
		precision: precision,
		entries:   make(map[types.ID]cellEntry),
		cells:     make(map[string]map[types.ID]struct{}),
	}
}

// Upsert inserts or relocates an entry. Last write wins on duplicate IDs.
func (x *CellIndex) Upsert(id types.ID, pos types.Point) {
	cell := geohash.EncodeWithPrecision(pos.Lat, pos.Lng, x.precision)

	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.entries[id]; ok && prev.cell != cell {
		x.removeFromCell(id, prev.cell)
	}
	x.entries[id] = cellEntry{pos: pos, cell: cell}
	if x.cells[cell] == nil {
		x.cells[cell] = make(map[types.ID]struct{})
	}
	x.cells[cell][id] = struct{}{}
}

// Remove deletes an entry. No-op when absent.
func (x *CellIndex) Remove(id types.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.entries[id]
	if !ok {
		return
	}
	delete(x.entries, id)
	x.removeFromCell(id, prev.cell)
}

func (x *CellIndex) removeFromCell(id types.ID, cell string) {
	if members, ok := x.cells[cell]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(x.cells, cell)
		}
	}
}

// Query returns every entry within radiusMeters of center. The cell walk
// only visits buckets overlapping the query circle; exact distance filtering
// removes the false positives a cell approximation would admit.
func (x *CellIndex) Query(center types.Point, radiusMeters float64) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	cells, full := x.coverCells(center, radiusMeters)

	var out []Entry
	if full {
		for id, e := range x.entries {
			if DistanceMeters(center, e.pos) <= radiusMeters {
				out = append(out, Entry{ID: id, Position: e.pos})
			}
		}
		return out
	}

	for _, cell := range cells {
		for id := range x.cells[cell] {
			e := x.entries[id]
			if DistanceMeters(center, e.pos) <= radiusMeters {
				out = append(out, Entry{ID: id, Position: e.pos})
			}
		}
	}
	return out
}

// coverCells walks the geohash neighbor graph outward from the center cell,
// keeping every cell whose bounding box comes within radiusMeters of the
// center. Returns full=true when the walk exceeds maxQueryCells.
func (x *CellIndex) coverCells(center types.Point, radiusMeters float64) (cells []string, full bool) {
	start := geohash.EncodeWithPrecision(center.Lat, center.Lng, x.precision)

	seen := map[string]struct{}{start: {}}
	frontier := []string{start}
	cells = append(cells, start)

	for len(frontier) > 0 {
		var next []string
		for _, cell := range frontier {
			for _, n := range geohash.Neighbors(cell) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				if cellMinDistance(center, n) > radiusMeters {
					continue
				}
				if len(cells) >= maxQueryCells {
					return nil, true
				}
				cells = append(cells, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return cells, false
}

// cellMinDistance returns the distance from center to the nearest point of
// the cell's bounding box (zero when center lies inside the cell).
func cellMinDistance(center types.Point, cell string) float64 {
	box := geohash.BoundingBox(cell)
	nearest := types.Point{
		Lat: clamp(center.Lat, box.MinLat, box.MaxLat),
		Lng: clamp(center.Lng, box.MinLng, box.MaxLng),
	}
	return DistanceMeters(center, nearest)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
