package repository_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/dispatch/repository"
	"github.com/example/servicematch/internal/geo"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func repositories(t *testing.T) map[string]domain.Repository {
	return map[string]domain.Repository{
		"memory": repository.NewMemoryRepository(),
		"redis":  repository.NewRedisRepository(newRedisClient(t), ""),
	}
}

func newRequest(id string) domain.Request {
	now := time.Unix(1_700_000_000, 0).UTC()
	return domain.Request{
		ID:          id,
		RequesterID: "u1",
		Category:    "delivery",
		Origin:      geo.Point{Lat: 37.7749, Lng: -122.4194},
		Price:       12.5,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRepositoryCreateAndGet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := repo.Create(ctx, newRequest("r1"))
			require.NoError(t, err)
			require.EqualValues(t, 1, created.Version)

			_, err = repo.Create(ctx, newRequest("r1"))
			require.ErrorIs(t, err, domain.ErrAlreadyExists)
			require.ErrorIs(t, err, domain.ErrConflict)

			got, err := repo.Get(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, "delivery", got.Category)
			require.Equal(t, domain.StatusPending, got.Status)

			_, err = repo.Get(ctx, "missing")
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestRepositoryUpdateAppliesAndBumpsVersion(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Create(ctx, newRequest("r1"))
			require.NoError(t, err)

			updated, err := repo.Update(ctx, "r1", func(r *domain.Request) error {
				return r.Transition(domain.StatusOffered, time.Now())
			})
			require.NoError(t, err)
			require.Equal(t, domain.StatusOffered, updated.Status)
			require.EqualValues(t, 2, updated.Version)

			_, err = repo.Update(ctx, "r1", func(r *domain.Request) error {
				return r.Transition(domain.StatusCompleted, time.Now())
			})
			require.ErrorIs(t, err, domain.ErrInvalidTransition)

			same, err := repo.Update(ctx, "r1", func(*domain.Request) error { return domain.ErrUnchanged })
			require.NoError(t, err)
			require.EqualValues(t, 2, same.Version)

			_, err = repo.Update(ctx, "missing", func(*domain.Request) error { return nil })
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestRepositoryConcurrentCompareAndSet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := newRequest("r1")
			req.Status = domain.StatusOffered
			_, err := repo.Create(ctx, req)
			require.NoError(t, err)

			const workers = 8
			var wins atomic.Int32
			var conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := repo.Update(ctx, "r1", func(r *domain.Request) error {
						if r.AssignedWorkerID != "" {
							return domain.ErrAlreadyAssigned
						}
						r.AssignedWorkerID = string(rune('a' + i))
						return r.Transition(domain.StatusAccepted, time.Now())
					})
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, domain.ErrConflict):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			require.EqualValues(t, 1, wins.Load())
			require.EqualValues(t, workers-1, conflicts.Load())

			got, err := repo.Get(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, domain.StatusAccepted, got.Status)
			require.NotEmpty(t, got.AssignedWorkerID)
		})
	}
}

func TestRepositoryListDueFollowsPendingOffers(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(1_700_000_000, 0).UTC()
			for _, id := range []string{"early", "late"} {
				_, err := repo.Create(ctx, newRequest(id))
				require.NoError(t, err)
			}
			offer := func(expires time.Time) domain.UpdateFunc {
				return func(r *domain.Request) error {
					r.Offers = append(r.Offers, domain.Offer{RequestID: r.ID, WorkerID: "w", Outcome: domain.OfferPending, ExpiresAt: expires})
					return r.Transition(domain.StatusOffered, now)
				}
			}
			_, err := repo.Update(ctx, "early", offer(now.Add(time.Second)))
			require.NoError(t, err)
			_, err = repo.Update(ctx, "late", offer(now.Add(time.Minute)))
			require.NoError(t, err)

			due, err := repo.ListDue(ctx, now.Add(2*time.Second), 10)
			require.NoError(t, err)
			require.Equal(t, []string{"early"}, due)

			_, err = repo.Update(ctx, "early", func(r *domain.Request) error {
				r.WithdrawPending(now)
				return nil
			})
			require.NoError(t, err)

			due, err = repo.ListDue(ctx, now.Add(2*time.Hour), 10)
			require.NoError(t, err)
			require.Equal(t, []string{"late"}, due)
		})
	}
}
