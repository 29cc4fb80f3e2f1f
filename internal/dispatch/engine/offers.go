package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/geo"
)

// Dispatch runs one search-and-offer round for a pending request. Requests in
// any other state are returned untouched, which makes redelivered intake
// events harmless. If the offers cannot be announced the round is rolled back
// so the request stays pending and the error is surfaced as ErrUnavailable.
func (e *Engine) Dispatch(ctx context.Context, id string) (domain.Request, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.round", trace.WithAttributes(attribute.String("request.id", id)))
	defer span.End()

	req, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.StatusPending {
		e.logger.Debug("skip dispatch", zap.String("request_id", id), zap.String("status", string(req.Status)))
		return req, nil
	}

	candidates, err := e.Search(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return req, err
	}
	if len(candidates) == 0 {
		return e.exhausted(ctx, id)
	}

	now := e.clock.Now()
	var issued bool
	updated, err := e.repo.Update(ctx, id, func(r *domain.Request) error {
		issued = false
		if r.Status != domain.StatusPending {
			return domain.ErrUnchanged
		}
		excluded := r.Excluded()
		round := r.Round + 1
		var offers []domain.Offer
		for _, c := range candidates {
			if _, skip := excluded[c.WorkerID]; skip {
				continue
			}
			offers = append(offers, domain.Offer{
				RequestID:      r.ID,
				WorkerID:       c.WorkerID,
				Round:          round,
				IssuedAt:       now,
				ExpiresAt:      now.Add(e.cfg.OfferTimeout),
				Outcome:        domain.OfferPending,
				DistanceMeters: c.DistanceMeters,
				ETASeconds:     int64(geo.EstimateETA(c.DistanceMeters).Seconds()),
			})
		}
		if len(offers) == 0 {
			return domain.ErrUnchanged
		}
		if err := r.Transition(domain.StatusOffered, now); err != nil {
			return err
		}
		r.Round = round
		r.Offers = append(r.Offers, offers...)
		r.SearchExhausted = false
		issued = true
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	if !issued {
		return updated, nil
	}

	if err := e.announceOffers(ctx, updated); err != nil {
		dispatchOutcomes.WithLabelValues("publish_failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("offers not announced, rolling back round",
			zap.Error(err), zap.String("request_id", id), zap.Int("round", updated.Round))
		reverted, rbErr := e.rollbackRound(ctx, id, updated.Round)
		if rbErr != nil {
			e.logger.Error("rollback failed", zap.Error(rbErr), zap.String("request_id", id))
			return updated, errors.Join(err, rbErr)
		}
		return reverted, err
	}

	n := len(updated.PendingOffers())
	offersIssued.Add(float64(n))
	dispatchOutcomes.WithLabelValues("offered").Inc()
	e.logger.Info("offers issued",
		zap.String("request_id", id), zap.Int("round", updated.Round), zap.Int("offers", n))
	return updated, nil
}

func (e *Engine) announceOffers(ctx context.Context, r domain.Request) error {
	now := e.clock.Now()
	if err := e.publish(ctx, createdEvent(r, now)); err != nil {
		return err
	}
	return e.publish(ctx, offeredEvent(r, now))
}

func (e *Engine) rollbackRound(ctx context.Context, id string, round int) (domain.Request, error) {
	now := e.clock.Now()
	return e.repo.Update(ctx, id, func(r *domain.Request) error {
		if r.Status != domain.StatusOffered || r.Round != round {
			return domain.ErrUnchanged
		}
		r.WithdrawPending(now)
		return r.Transition(domain.StatusPending, now)
	})
}

func (e *Engine) exhausted(ctx context.Context, id string) (domain.Request, error) {
	now := e.clock.Now()
	var marked bool
	updated, err := e.repo.Update(ctx, id, func(r *domain.Request) error {
		marked = false
		if r.Status != domain.StatusPending {
			return domain.ErrUnchanged
		}
		r.SearchExhausted = true
		r.UpdatedAt = now
		marked = true
		return nil
	})
	if err != nil || !marked {
		return updated, err
	}
	dispatchOutcomes.WithLabelValues("no_candidates").Inc()
	e.logger.Info("no candidates", zap.String("request_id", id))
	if err := e.publish(ctx, noCandidatesEvent(updated, now)); err != nil {
		return updated, err
	}
	return updated, nil
}

// ResolveOffer applies a worker's accept or decline. Acceptance is a single
// compare-and-set: exactly one concurrent accept wins, every other attempt
// fails with an error matching domain.ErrConflict. Re-accepting by the
// assigned worker is idempotent and re-announces the assignment.
func (e *Engine) ResolveOffer(ctx context.Context, requestID, workerID string, outcome domain.OfferOutcome) (domain.Request, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.resolve", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("worker.id", workerID),
		attribute.String("outcome", string(outcome)),
	))
	defer span.End()

	if workerID == "" {
		return domain.Request{}, fmt.Errorf("%w: missing worker id", domain.ErrInvalidInput)
	}
	var (
		r   domain.Request
		err error
	)
	switch outcome {
	case domain.OfferAccepted:
		r, err = e.accept(ctx, requestID, workerID)
	case domain.OfferDeclined:
		r, err = e.decline(ctx, requestID, workerID)
	default:
		return domain.Request{}, fmt.Errorf("%w: unsupported outcome %q", domain.ErrInvalidInput, outcome)
	}
	result := "ok"
	if err != nil {
		result = errorClass(err)
		span.SetStatus(codes.Error, err.Error())
	}
	resolutions.WithLabelValues(string(outcome), result).Inc()
	return r, err
}

func (e *Engine) accept(ctx context.Context, requestID, workerID string) (domain.Request, error) {
	now := e.clock.Now()
	updated, err := e.repo.Update(ctx, requestID, func(r *domain.Request) error {
		if r.AssignedWorkerID != "" {
			if r.AssignedWorkerID == workerID {
				return domain.ErrUnchanged
			}
			return domain.ErrAlreadyAssigned
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request is %s", domain.ErrInvalidTransition, r.Status)
		}
		o, ok := r.Offer(workerID)
		if !ok {
			return domain.ErrOfferNotFound
		}
		switch o.Outcome {
		case domain.OfferPending:
		case domain.OfferExpired:
			return domain.ErrOfferExpired
		default:
			return fmt.Errorf("%w: %s", domain.ErrOfferResolved, o.Outcome)
		}
		if !now.Before(o.ExpiresAt) {
			return domain.ErrOfferExpired
		}
		if err := r.Transition(domain.StatusAccepted, now); err != nil {
			return err
		}
		r.Resolve(o, domain.OfferAccepted, now)
		r.AssignedWorkerID = workerID
		r.WithdrawPending(now)
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logger.Info("offer accepted", zap.String("request_id", requestID), zap.String("worker_id", workerID))
	if err := e.publish(ctx, acceptedEvent(updated, "accepted", withdrawnInRound(updated), now)); err != nil {
		return updated, err
	}
	return updated, nil
}

func (e *Engine) decline(ctx context.Context, requestID, workerID string) (domain.Request, error) {
	now := e.clock.Now()
	var reopened bool
	var prev domain.Status
	updated, err := e.repo.Update(ctx, requestID, func(r *domain.Request) error {
		reopened = false
		prev = r.Status
		o, ok := r.Offer(workerID)
		if !ok {
			return domain.ErrOfferNotFound
		}
		switch o.Outcome {
		case domain.OfferPending:
		case domain.OfferDeclined:
			return domain.ErrUnchanged
		case domain.OfferExpired:
			return domain.ErrOfferExpired
		default:
			return fmt.Errorf("%w: %s", domain.ErrOfferResolved, o.Outcome)
		}
		r.Resolve(o, domain.OfferDeclined, now)
		if r.Status == domain.StatusOffered && len(r.PendingOffers()) == 0 {
			if err := r.Transition(domain.StatusPending, now); err != nil {
				return err
			}
			reopened = true
		}
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logger.Info("offer declined",
		zap.String("request_id", requestID), zap.String("worker_id", workerID), zap.Bool("reopened", reopened))
	if !reopened {
		return updated, nil
	}
	if err := e.publish(ctx, statusChangedEvent(updated, prev, "declined", nil, now)); err != nil {
		return updated, err
	}
	return e.redispatch(ctx, updated)
}

// redispatch starts the next round after a request fell back to pending. A
// failed round leaves the request pending; it is logged, not returned, since
// the state change that triggered it already succeeded.
func (e *Engine) redispatch(ctx context.Context, r domain.Request) (domain.Request, error) {
	next, err := e.Dispatch(ctx, r.ID)
	if err != nil {
		e.logger.Error("re-dispatch failed, request left pending", zap.Error(err), zap.String("request_id", r.ID))
		return r, nil
	}
	return next, nil
}

// Cancel moves a pending or offered request to cancelled and withdraws any
// outstanding offers. Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (domain.Request, error) {
	now := e.clock.Now()
	var prev domain.Status
	var withdrawn []string
	var changed bool
	updated, err := e.repo.Update(ctx, requestID, func(r *domain.Request) error {
		changed = false
		withdrawn = nil
		prev = r.Status
		if r.Status == domain.StatusCancelled {
			return domain.ErrUnchanged
		}
		if err := r.Transition(domain.StatusCancelled, now); err != nil {
			return err
		}
		withdrawn = r.WithdrawPending(now)
		r.CancelReason = reason
		changed = true
		return nil
	})
	if err != nil || !changed {
		return updated, err
	}
	e.logger.Info("request cancelled", zap.String("request_id", requestID), zap.String("reason", reason))
	if err := e.publish(ctx, statusChangedEvent(updated, prev, "cancelled", withdrawn, now)); err != nil {
		return updated, err
	}
	return updated, nil
}

// Start marks an accepted request as in progress. Only the assigned worker may start it.
func (e *Engine) Start(ctx context.Context, requestID, workerID string) (domain.Request, error) {
	return e.advance(ctx, requestID, workerID, domain.StatusInProgress, "started")
}

// Complete marks an in-progress request as completed.
func (e *Engine) Complete(ctx context.Context, requestID, workerID string) (domain.Request, error) {
	return e.advance(ctx, requestID, workerID, domain.StatusCompleted, "completed")
}

func (e *Engine) advance(ctx context.Context, requestID, workerID string, next domain.Status, reason string) (domain.Request, error) {
	now := e.clock.Now()
	var prev domain.Status
	var changed bool
	updated, err := e.repo.Update(ctx, requestID, func(r *domain.Request) error {
		changed = false
		prev = r.Status
		if r.AssignedWorkerID == "" || r.AssignedWorkerID != workerID {
			return domain.ErrWorkerMismatch
		}
		if r.Status == next {
			return domain.ErrUnchanged
		}
		if err := r.Transition(next, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return updated, err
	}
	if err := e.publish(ctx, statusChangedEvent(updated, prev, reason, nil, now)); err != nil {
		return updated, err
	}
	return updated, nil
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
