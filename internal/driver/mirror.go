// README: Redis write-through mirror of driver presence for external collaborators.
package driver

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hail/internal/types"
)

const (
	geoKey        = "drivers:geo"
	hashKeyPrefix = "drivers:"
	presenceTTL   = 24 * time.Hour
	fieldLat      = "lat"
	fieldLng      = "lng"
	fieldUpdated  = "updated_at"
)

// Mirror keeps the shared drivers/{driverId} view in Redis: a GEO set for
// collaborators that want radius queries of their own, plus a per-driver
// hash with the raw fix.
type Mirror struct {
	redis *redis.Client
}

func NewMirror(redisClient *redis.Client) *Mirror {
	return &Mirror{redis: redisClient}
}

func (m *Mirror) Upsert(ctx context.Context, loc Location) error {
	pipe := m.redis.Pipeline()
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      string(loc.DriverID),
		Longitude: loc.Position.Lng,
		Latitude:  loc.Position.Lat,
	})
	key := hashKey(loc.DriverID)
	pipe.HSet(ctx, key,
		fieldLat, strconv.FormatFloat(loc.Position.Lat, 'f', -1, 64),
		fieldLng, strconv.FormatFloat(loc.Position.Lng, 'f', -1, 64),
		fieldUpdated, loc.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) Remove(ctx context.Context, id types.ID) error {
	pipe := m.redis.Pipeline()
	pipe.ZRem(ctx, geoKey, string(id))
	pipe.Del(ctx, hashKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup reads a mirrored fix back; used by operational tooling, not the
// dispatch path (the registry's in-memory view is authoritative).
func (m *Mirror) Lookup(ctx context.Context, id types.ID) (Location, bool, error) {
	vals, err := m.redis.HGetAll(ctx, hashKey(id)).Result()
	if err != nil {
		return Location{}, false, err
	}
	if len(vals) == 0 {
		return Location{}, false, nil
	}
	lat, err := strconv.ParseFloat(vals[fieldLat], 64)
	if err != nil {
		return Location{}, false, err
	}
	lng, err := strconv.ParseFloat(vals[fieldLng], 64)
	if err != nil {
		return Location{}, false, err
	}
	updated, err := time.Parse(time.RFC3339Nano, vals[fieldUpdated])
	if err != nil {
		return Location{}, false, err
	}
	return Location{
		DriverID:    id,
		Position:    types.Point{Lat: lat, Lng: lng},
		LastUpdated: updated,
	}, true, nil
}

func hashKey(id types.ID) string {
	return hashKeyPrefix + string(id)
}
