package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/servicematch/internal/eventbus"
)

// BusSink publishes samples as provider.location events instead of writing
// them locally, so every instance's Bridge indexes the same position.
type BusSink struct {
	pub     eventbus.Publisher
	clock   Clock
	maxSkew time.Duration
}

// NewBusSink builds a sink publishing on eventbus.TopicLocation.
func NewBusSink(pub eventbus.Publisher, clock Clock) *BusSink {
	if clock == nil {
		clock = systemClock{}
	}
	return &BusSink{pub: pub, clock: clock}
}

// WithMaxSkew sets how far ahead of the clock a sample may be stamped.
func (s *BusSink) WithMaxSkew(d time.Duration) *BusSink {
	s.maxSkew = d
	return s
}

// Upsert validates and publishes the sample.
func (s *BusSink) Upsert(ctx context.Context, loc WorkerLocation) error {
	now := s.clock.Now()
	if err := loc.ValidateAt(now, s.maxSkew); err != nil {
		return err
	}
	return s.pub.Publish(ctx, eventbus.TopicLocation, ToEvent(loc, now))
}

// ToEvent converts a sample into its wire event.
func ToEvent(loc WorkerLocation, now time.Time) eventbus.Event {
	evt := eventbus.New(eventbus.TypeProviderLocation, now)
	evt.WorkerID = loc.WorkerID
	evt.Category = loc.Category
	point := loc.Point
	evt.Point = &point
	available := loc.Available
	evt.Available = &available
	ts := loc.Timestamp.UTC()
	evt.SampledAt = &ts
	return evt
}

// FromEvent converts a provider.location event back into a sample.
func FromEvent(evt eventbus.Event) (WorkerLocation, error) {
	if evt.Type != eventbus.TypeProviderLocation {
		return WorkerLocation{}, fmt.Errorf("%w: unexpected event type %q", ErrInvalidSample, evt.Type)
	}
	if evt.Point == nil || evt.SampledAt == nil {
		return WorkerLocation{}, fmt.Errorf("%w: missing point or timestamp", ErrInvalidSample)
	}
	loc := WorkerLocation{
		WorkerID:  evt.WorkerID,
		Point:     *evt.Point,
		Category:  evt.Category,
		Available: evt.Available != nil && *evt.Available,
		Timestamp: evt.SampledAt.UTC(),
	}
	return loc, loc.Validate()
}

// Bridge feeds provider.location events into a Store.
type Bridge struct {
	store  Store
	logger *zap.Logger
}

// NewBridge constructs a bridge.
func NewBridge(store Store, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, logger: logger}
}

// Handle is an eventbus.Handler. Malformed samples are dropped rather than
// redelivered; store failures are returned so the bus retries them.
func (b *Bridge) Handle(ctx context.Context, evt eventbus.Event) error {
	loc, err := FromEvent(evt)
	if err != nil {
		ingestTotal.WithLabelValues("bus", "rejected").Inc()
		b.logger.Warn("dropping location event", zap.Error(err), zap.String("event_id", evt.ID))
		return nil
	}
	if err := b.store.Upsert(ctx, loc); err != nil {
		if errors.Is(err, ErrInvalidSample) {
			ingestTotal.WithLabelValues("bus", "rejected").Inc()
			return nil
		}
		ingestTotal.WithLabelValues("bus", "error").Inc()
		return err
	}
	ingestTotal.WithLabelValues("bus", "ok").Inc()
	return nil
}

// RunEvictor removes stale samples every interval until ctx is cancelled.
func RunEvictor(ctx context.Context, store Store, interval, maxAge time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := store.EvictStale(ctx, maxAge)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Error("evict stale locations", zap.Error(err))
			continue
		}
		if n > 0 {
			evictedTotal.Add(float64(n))
			logger.Debug("evicted stale locations", zap.Int("count", n))
		}
	}
}
