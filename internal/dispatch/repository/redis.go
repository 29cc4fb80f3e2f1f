package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/servicematch/internal/dispatch/domain"
)

const (
	defaultPrefix     = "dispatch:"
	defaultMaxRetries = 64
)

// RedisRepository stores each request as a JSON document and keeps a sorted
// set of pending-offer deadlines so any instance can find expired offers.
// Update is an optimistic WATCH/MULTI transaction retried on contention.
type RedisRepository struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedisRepository constructs a repository. An empty prefix uses "dispatch:".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, maxRetries: defaultMaxRetries}
}

// Create stores r if no request with the same id exists.
func (r *RedisRepository) Create(ctx context.Context, req domain.Request) (domain.Request, error) {
	req.Version = 1
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Request{}, fmt.Errorf("marshal request: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.requestKey(req.ID), payload, 0).Result()
	if err != nil {
		return domain.Request{}, fmt.Errorf("%w: redis setnx: %v", domain.ErrUnavailable, err)
	}
	if !ok {
		return domain.Request{}, domain.ErrAlreadyExists
	}
	if deadline, found := req.NextDeadline(); found {
		if err := r.client.ZAdd(ctx, r.deadlinesKey(), redis.Z{Score: score(deadline), Member: req.ID}).Err(); err != nil {
			return domain.Request{}, fmt.Errorf("%w: redis zadd: %v", domain.ErrUnavailable, err)
		}
	}
	return req, nil
}

// Get loads a request.
func (r *RedisRepository) Get(ctx context.Context, id string) (domain.Request, error) {
	data, err := r.client.Get(ctx, r.requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Request{}, domain.ErrRequestNotFound
	}
	if err != nil {
		return domain.Request{}, fmt.Errorf("%w: redis get: %v", domain.ErrUnavailable, err)
	}
	return decode(data)
}

// Update runs fn inside a WATCH on the request key. If another writer commits
// first the transaction aborts and fn runs again on the fresh copy.
func (r *RedisRepository) Update(ctx context.Context, id string, fn domain.UpdateFunc) (domain.Request, error) {
	key := r.requestKey(id)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var out domain.Request
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return domain.ErrRequestNotFound
			}
			if err != nil {
				return err
			}
			current, err := decode(data)
			if err != nil {
				return err
			}
			next := current.Clone()
			if err := fn(&next); err != nil {
				if errors.Is(err, domain.ErrUnchanged) {
					out = current
					return nil
				}
				return err
			}
			next.Version = current.Version + 1
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if deadline, ok := next.NextDeadline(); ok {
					pipe.ZAdd(ctx, r.deadlinesKey(), redis.Z{Score: score(deadline), Member: id})
				} else {
					pipe.ZRem(ctx, r.deadlinesKey(), id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			updateConflicts.Inc()
			select {
			case <-time.After(time.Duration(attempt+1) * time.Millisecond):
			case <-ctx.Done():
				return domain.Request{}, ctx.Err()
			}
			continue
		case isDomainError(err):
			return domain.Request{}, err
		default:
			return domain.Request{}, fmt.Errorf("%w: redis update %s: %v", domain.ErrUnavailable, id, err)
		}
	}
	return domain.Request{}, fmt.Errorf("%w: request %s too contended", domain.ErrUnavailable, id)
}

// ListDue returns up to limit request ids whose earliest pending offer expired.
func (r *RedisRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.deadlinesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis zrangebyscore: %v", domain.ErrUnavailable, err)
	}
	return ids, nil
}

func (r *RedisRepository) requestKey(id string) string { return r.prefix + "request:" + id }
func (r *RedisRepository) deadlinesKey() string        { return r.prefix + "deadlines" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func decode(data []byte) (domain.Request, error) {
	var req domain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.Request{}, fmt.Errorf("unmarshal request: %w", err)
	}
	return req, nil
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
