package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

const defaultRedisPrefix = "dispatch:"

var _ domain.Store = (*RedisStore)(nil)

// RedisStore keeps every taxi in a hash and indexes it in lexicographically
// sorted sets of "<spatial key>:<id>" members. Availability changes run as Lua
// scripts so the hash and the available index flip together.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore constructs a Redis-backed pool. An empty prefix selects "dispatch:".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

var (
	reserveScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'available', 'spatial_key')
if not state[1] then
  return -1
end
if state[1] ~= '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'available', '0', 'reserved_by', ARGV[2])
redis.call('ZREM', KEYS[2], state[2] .. ':' .. ARGV[1])
return 1
`)

	releaseScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'available', 'spatial_key')
if not state[1] then
  return -1
end
redis.call('HSET', KEYS[1], 'available', '1', 'reserved_by', '')
redis.call('ZADD', KEYS[2], 0, state[2] .. ':' .. ARGV[1])
return 1
`)

	moveScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'available', 'spatial_key')
if not state[1] then
  return -1
end
local old = state[2] .. ':' .. ARGV[1]
local new = ARGV[4] .. ':' .. ARGV[1]
redis.call('ZREM', KEYS[2], old)
redis.call('ZADD', KEYS[2], 0, new)
redis.call('ZREM', KEYS[3], old)
if state[1] == '1' then
  redis.call('ZADD', KEYS[3], 0, new)
end
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'spatial_key', ARGV[4])
return 1
`)

	clearScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return #ids
`)
)

func (r *RedisStore) taxiKey(id string) string { return r.prefix + "taxi:" + id }
func (r *RedisStore) allIndex() string         { return r.prefix + "idx:all" }
func (r *RedisStore) availableIndex() string   { return r.prefix + "idx:available" }
func (r *RedisStore) idsKey() string           { return r.prefix + "ids" }

func member(spatialKey, id string) string { return spatialKey + ":" + id }

// RangeQuery scans the index with ZRANGEBYLEX and loads the matching hashes in one pipeline.
func (r *RedisStore) RangeQuery(ctx context.Context, low, high string, availableOnly bool) ([]domain.Taxi, error) {
	index := r.allIndex()
	if availableOnly {
		index = r.availableIndex()
	}
	min := "[" + low
	if low == "" {
		min = "-"
	}
	members, err := r.client.ZRangeByLex(ctx, index, &redis.ZRangeBy{Min: min, Max: "[" + high}).Result()
	if err != nil {
		return nil, transportErr("redis zrangebylex", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, r.taxiKey(m[strings.LastIndexByte(m, ':')+1:]))
		}
		return nil
	})
	if err != nil {
		return nil, transportErr("redis hgetall pipeline", err)
	}

	taxis := make([]domain.Taxi, 0, len(members))
	for i, m := range members {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		taxi, err := decodeTaxi(m[strings.LastIndexByte(m, ':')+1:], fields)
		if err != nil {
			return nil, err
		}
		if availableOnly && !taxi.Available {
			continue
		}
		taxis = append(taxis, taxi)
	}
	return taxis, nil
}

// Reserve runs the conditional availability flip as a single Lua script.
func (r *RedisStore) Reserve(ctx context.Context, id, dispatchID string) error {
	res, err := reserveScript.Run(ctx, r.client, []string{r.taxiKey(id), r.availableIndex()}, id, dispatchID).Int()
	if err != nil {
		return transportErr("redis reserve", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrPreconditionFailed
	default:
		return domain.ErrNotFound
	}
}

// Release marks the taxi available again and clears its reservation.
func (r *RedisStore) Release(ctx context.Context, id string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.taxiKey(id), r.availableIndex()}, id).Int()
	if err != nil {
		return transportErr("redis release", err)
	}
	if res < 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (domain.Taxi, error) {
	fields, err := r.client.HGetAll(ctx, r.taxiKey(id)).Result()
	if err != nil {
		return domain.Taxi{}, transportErr("redis hgetall", err)
	}
	if len(fields) == 0 {
		return domain.Taxi{}, domain.ErrNotFound
	}
	return decodeTaxi(id, fields)
}

// Insert writes the hash, both index entries and the id registry in one transaction.
func (r *RedisStore) Insert(ctx context.Context, taxi domain.Taxi) (string, error) {
	taxi.ID = uuid.NewString()
	m := member(taxi.SpatialKey, taxi.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.taxiKey(taxi.ID), encodeTaxi(taxi))
		pipe.ZAdd(ctx, r.allIndex(), redis.Z{Member: m})
		if taxi.Available {
			pipe.ZAdd(ctx, r.availableIndex(), redis.Z{Member: m})
		}
		pipe.SAdd(ctx, r.idsKey(), taxi.ID)
		return nil
	})
	if err != nil {
		return "", transportErr("redis insert", err)
	}
	return taxi.ID, nil
}

// UpdateLocation moves the taxi and re-indexes it under its new spatial key.
func (r *RedisStore) UpdateLocation(ctx context.Context, id string, lat, lng float64) error {
	keys := []string{r.taxiKey(id), r.allIndex(), r.availableIndex()}
	res, err := moveScript.Run(ctx, r.client, keys, id, formatFloat(lat), formatFloat(lng), geo.Encode(lat, lng)).Int()
	if err != nil {
		return transportErr("redis update location", err)
	}
	if res < 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *RedisStore) DeleteAll(ctx context.Context) error {
	keys := []string{r.idsKey(), r.allIndex(), r.availableIndex()}
	if err := clearScript.Run(ctx, r.client, keys, r.taxiKey("")).Err(); err != nil {
		return transportErr("redis clear", err)
	}
	return nil
}

func encodeTaxi(t domain.Taxi) map[string]any {
	return map[string]any{
		"driver_name":  t.DriverName,
		"plate_number": t.PlateNumber,
		"lat":          formatFloat(t.Lat),
		"lng":          formatFloat(t.Lng),
		"spatial_key":  t.SpatialKey,
		"available":    boolFlag(t.Available),
		"reserved_by":  t.ReservedBy,
	}
}

func decodeTaxi(id string, fields map[string]string) (domain.Taxi, error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("decode taxi %s lat: %w", id, err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("decode taxi %s lng: %w", id, err)
	}
	return domain.Taxi{
		ID:          id,
		DriverName:  fields["driver_name"],
		PlateNumber: fields["plate_number"],
		Lat:         lat,
		Lng:         lng,
		SpatialKey:  fields["spatial_key"],
		Available:   fields["available"] == "1",
		ReservedBy:  fields["reserved_by"],
	}, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
