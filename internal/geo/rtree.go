// README: R-tree backed Index variant for workloads with skewed driver density.
package geo

import (
	"math"
	"sync"

	"github.com/dhconnelly/rtreego"

	"hail/internal/types"
)

// metersPerDegreeLat is close enough for converting a query radius into a
// bounding rectangle; the exact-distance filter removes the slack.
const metersPerDegreeLat = 111320.0

type rtreeItem struct {
	id   types.ID
	pos  types.Point
	rect rtreego.Rect
}

func (it *rtreeItem) Bounds() rtreego.Rect { return it.rect }

// RTreeIndex implements Index on an R-tree. Same contract as CellIndex;
// chosen via config when driver density varies too much for a fixed cell
// size to bucket well.
type RTreeIndex struct {
	mu    sync.RWMutex
	tree  *rtreego.Rtree
	items map[types.ID]*rtreeItem
}

func NewRTreeIndex() *RTreeIndex {
	return &RTreeIndex{
		tree:  rtreego.NewTree(2, 25, 50),
		items: make(map[types.ID]*rtreeItem),
	}
}

func (x *RTreeIndex) Upsert(id types.ID, pos types.Point) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.items[id]; ok {
		x.tree.Delete(prev)
	}
	item := &rtreeItem{
		id:   id,
		pos:  pos,
		rect: rtreego.Point{pos.Lat, pos.Lng}.ToRect(1e-7),
	}
	x.items[id] = item
	x.tree.Insert(item)
}

func (x *RTreeIndex) Remove(id types.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.items[id]
	if !ok {
		return
	}
	delete(x.items, id)
	x.tree.Delete(prev)
}

func (x *RTreeIndex) Query(center types.Point, radiusMeters float64) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	dLat := radiusMeters / metersPerDegreeLat
	dLng := dLat
	if cos := math.Cos(degreesToRadians(center.Lat)); cos > 1e-6 {
		dLng = dLat / cos
	}

	bounds, err := rtreego.NewRect(rtreego.Point{center.Lat - dLat, center.Lng - dLng}, []float64{2 * dLat, 2 * dLng})
	if err != nil {
		return nil
	}

	var out []Entry
	for _, hit := range x.tree.SearchIntersect(bounds) {
		item := hit.(*rtreeItem)
		if DistanceMeters(center, item.pos) <= radiusMeters {
			out = append(out, Entry{ID: item.id, Position: item.pos})
		}
	}
	return out
}
