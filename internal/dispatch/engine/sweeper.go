package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/servicematch/internal/dispatch/domain"
)

// RunSweeper expires due offers every SweepInterval until ctx is cancelled.
// Deadlines live in the repository, so any number of instances may run it.
func (e *Engine) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := e.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("offer sweep failed", zap.Error(err))
		}
	}
}

// SweepExpired resolves every offer whose deadline has passed and applies the
// fallback policy to requests left without a live offer. It returns how many
// requests changed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.sweep")
	defer span.End()

	ids, err := e.repo.ListDue(ctx, e.clock.Now(), e.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, id := range ids {
		ok, err := e.expire(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			e.logger.Warn("expire offers failed", zap.Error(err), zap.String("request_id", id))
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

type expiry struct {
	expired      []string
	reopened     bool
	autoAccepted bool
	prev         domain.Status
}

func (e *Engine) expire(ctx context.Context, id string) (bool, error) {
	now := e.clock.Now()
	var res expiry
	updated, err := e.repo.Update(ctx, id, func(r *domain.Request) error {
		res = expiry{prev: r.Status}
		pending := r.PendingOffers()
		if len(pending) == 0 {
			return domain.ErrUnchanged
		}
		if r.Status != domain.StatusOffered {
			// stale offers on a request that moved on
			r.WithdrawPending(now)
			return nil
		}
		var due []*domain.Offer
		for _, o := range pending {
			if !now.Before(o.ExpiresAt) {
				due = append(due, o)
			}
		}
		if len(due) == 0 {
			return domain.ErrUnchanged
		}
		allDue := len(due) == len(pending)
		if allDue && e.cfg.Fallback == FallbackAutoAccept {
			winner := nearest(due)
			for _, o := range due {
				if o == winner {
					continue
				}
				r.Resolve(o, domain.OfferExpired, now)
				res.expired = append(res.expired, o.WorkerID)
			}
			if err := r.Transition(domain.StatusAccepted, now); err != nil {
				return err
			}
			r.Resolve(winner, domain.OfferAccepted, now)
			r.AssignedWorkerID = winner.WorkerID
			res.autoAccepted = true
			return nil
		}
		for _, o := range due {
			r.Resolve(o, domain.OfferExpired, now)
			res.expired = append(res.expired, o.WorkerID)
		}
		if allDue {
			if err := r.Transition(domain.StatusPending, now); err != nil {
				return err
			}
			res.reopened = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	offersExpired.Add(float64(len(res.expired)))

	switch {
	case res.autoAccepted:
		e.logger.Info("auto-accepted nearest candidate",
			zap.String("request_id", id), zap.String("worker_id", updated.AssignedWorkerID))
		return true, e.publish(ctx, acceptedEvent(updated, "auto_accept", res.expired, now))
	case res.reopened:
		e.logger.Info("all offers expired, searching again",
			zap.String("request_id", id), zap.Strings("expired", res.expired))
		if err := e.publish(ctx, statusChangedEvent(updated, res.prev, "offer_timeout", res.expired, now)); err != nil {
			return true, err
		}
		_, err := e.redispatch(ctx, updated)
		return true, err
	default:
		return true, nil
	}
}

func nearest(offers []*domain.Offer) *domain.Offer {
	sorted := append([]*domain.Offer(nil), offers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DistanceMeters != sorted[j].DistanceMeters {
			return sorted[i].DistanceMeters < sorted[j].DistanceMeters
		}
		return sorted[i].WorkerID < sorted[j].WorkerID
	})
	return sorted[0]
}
