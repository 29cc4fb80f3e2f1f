package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/servicematch/internal/geo"
)

const defaultKeyPrefix = "loc:"

var errInvalidQueryResult = errors.New("invalid cell query result")

// RedisStore keeps one hash per worker and one sorted set per cell scored by
// sample time. Moves between cells run inside a Lua script so a concurrent
// cell query observes either the old placement or the new one.
type RedisStore struct {
	client  redis.Cmdable
	cells   CellIndexer
	clock   Clock
	prefix  string
	maxSkew time.Duration

	upsertScript *redis.Script
	queryScript  *redis.Script
	evictScript  *redis.Script
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.Cmdable, cells CellIndexer, clock Clock, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &RedisStore{
		client:       client,
		cells:        cells,
		clock:        clock,
		prefix:       prefix,
		upsertScript: redis.NewScript(upsertLua),
		queryScript:  redis.NewScript(queryLua),
		evictScript:  redis.NewScript(evictLua),
	}
}

// WithMaxSkew sets how far ahead of the clock a sample may be stamped.
func (r *RedisStore) WithMaxSkew(d time.Duration) *RedisStore {
	r.maxSkew = d
	return r
}

// Upsert stores the sample and moves the worker between cell sets atomically.
func (r *RedisStore) Upsert(ctx context.Context, loc WorkerLocation) error {
	if err := loc.ValidateAt(r.clock.Now(), r.maxSkew); err != nil {
		return err
	}
	cell, err := r.cells.CellOf(loc.Point.Lat, loc.Point.Lng)
	if err != nil {
		return err
	}
	available := "0"
	if loc.Available {
		available = "1"
	}
	keys := []string{r.workerKey(loc.WorkerID), r.cellKey(cell), r.cellsKey()}
	err = r.upsertScript.Run(ctx, r.client, keys,
		loc.WorkerID,
		strconv.FormatFloat(loc.Point.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Point.Lng, 'f', -1, 64),
		loc.Category,
		available,
		loc.Timestamp.UnixMilli(),
		string(cell),
		r.prefix+"cell:",
	).Err()
	if err != nil {
		return fmt.Errorf("redis location upsert: %w", err)
	}
	return nil
}

// QueryCell returns fresh samples for the cell.
func (r *RedisStore) QueryCell(ctx context.Context, cell geo.Cell, maxAge time.Duration) ([]WorkerLocation, error) {
	min := cutoff(r.clock.Now(), maxAge).UnixMilli()
	raw, err := r.queryScript.Run(ctx, r.client, []string{r.cellKey(cell)},
		"("+strconv.FormatInt(min, 10),
		r.prefix+"worker:",
		string(cell),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis cell query: %w", err)
	}
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("%w: %d fields", errInvalidQueryResult, len(raw))
	}
	res := make([]WorkerLocation, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		loc, err := decodeSample(raw[i : i+6])
		if err != nil {
			return nil, err
		}
		res = append(res, loc)
	}
	return res, nil
}

// EvictStale sweeps every known cell for samples older than maxAge.
func (r *RedisStore) EvictStale(ctx context.Context, maxAge time.Duration) (int, error) {
	max := cutoff(r.clock.Now(), maxAge).UnixMilli()
	cells, err := r.client.SMembers(ctx, r.cellsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cells: %w", err)
	}
	total := 0
	for _, cell := range cells {
		n, err := r.evictScript.Run(ctx, r.client, []string{r.cellKey(geo.Cell(cell)), r.cellsKey()},
			max,
			r.prefix+"worker:",
			cell,
		).Int()
		if err != nil {
			return total, fmt.Errorf("redis evict %s: %w", cell, err)
		}
		total += n
	}
	return total, nil
}

func (r *RedisStore) workerKey(id string) string { return r.prefix + "worker:" + id }
func (r *RedisStore) cellKey(c geo.Cell) string  { return r.prefix + "cell:" + string(c) }
func (r *RedisStore) cellsKey() string           { return r.prefix + "cells" }

func decodeSample(fields []interface{}) (WorkerLocation, error) {
	str := make([]string, len(fields))
	for i, f := range fields {
		s, ok := f.(string)
		if !ok {
			return WorkerLocation{}, fmt.Errorf("%w: field %d is %T", errInvalidQueryResult, i, f)
		}
		str[i] = s
	}
	lat, err := strconv.ParseFloat(str[1], 64)
	if err != nil {
		return WorkerLocation{}, fmt.Errorf("%w: lat: %v", errInvalidQueryResult, err)
	}
	lng, err := strconv.ParseFloat(str[2], 64)
	if err != nil {
		return WorkerLocation{}, fmt.Errorf("%w: lng: %v", errInvalidQueryResult, err)
	}
	ts, err := strconv.ParseInt(str[5], 10, 64)
	if err != nil {
		return WorkerLocation{}, fmt.Errorf("%w: ts: %v", errInvalidQueryResult, err)
	}
	return WorkerLocation{
		WorkerID:  str[0],
		Point:     geo.Point{Lat: lat, Lng: lng},
		Category:  str[3],
		Available: str[4] == "1",
		Timestamp: time.UnixMilli(ts).UTC(),
	}, nil
}

const upsertLua = `
local prev = redis.call('HMGET', KEYS[1], 'ts', 'cell')
if prev[1] and tonumber(prev[1]) > tonumber(ARGV[6]) then
  return 0
end
if prev[2] and prev[2] ~= ARGV[7] then
  local oldKey = ARGV[8] .. prev[2]
  redis.call('ZREM', oldKey, ARGV[1])
  if redis.call('ZCARD', oldKey) == 0 then
    redis.call('SREM', KEYS[3], prev[2])
  end
end
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'category', ARGV[4], 'available', ARGV[5], 'ts', ARGV[6], 'cell', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[7])
return 1
`

const queryLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], '+inf')
local out = {}
for _, id in ipairs(ids) do
  local h = redis.call('HMGET', ARGV[2] .. id, 'lat', 'lng', 'category', 'available', 'ts', 'cell')
  if h[6] == ARGV[3] then
    table.insert(out, id)
    for i = 1, 5 do
      table.insert(out, h[i])
    end
  end
end
return out
`

const evictLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local h = redis.call('HMGET', key, 'ts', 'cell')
  if h[2] == ARGV[3] and h[1] and tonumber(h[1]) <= tonumber(ARGV[1]) then
    redis.call('DEL', key)
    n = n + 1
  end
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[3])
end
return n
`
