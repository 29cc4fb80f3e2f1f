// Package engine turns created requests into exactly one accepted assignment.
// It searches outward from the request origin for fresh, available workers,
// issues time-boxed offers, arbitrates acceptances through the repository's
// compare-and-set and recovers from timeouts via a deadline sweep that any
// instance can run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/location"
)

// Fallback selects what happens when every offer of a round times out.
type Fallback string

const (
	// FallbackResearch re-runs the search excluding the unresponsive workers.
	FallbackResearch Fallback = "research"
	// FallbackAutoAccept assigns the nearest outstanding candidate.
	FallbackAutoAccept Fallback = "auto_accept"
)

// Config tunes search and offer behaviour.
type Config struct {
	MaxRings      int
	MinCandidates int
	MaxOffers     int
	OfferTimeout  time.Duration
	Freshness     time.Duration
	Fallback      Fallback
	SweepInterval time.Duration
	SweepBatch    int
}

func (c Config) withDefaults() Config {
	if c.MaxRings < 0 {
		c.MaxRings = 0
	}
	if c.MinCandidates <= 0 {
		c.MinCandidates = 1
	}
	if c.MaxOffers <= 0 {
		c.MaxOffers = 3
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 8 * time.Second
	}
	if c.Freshness <= 0 {
		c.Freshness = location.DefaultFreshness
	}
	if c.Fallback == "" {
		c.Fallback = FallbackResearch
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// GeoIndex maps coordinates to cells and cells to their neighbourhood.
type GeoIndex interface {
	CellOf(lat, lng float64) (geo.Cell, error)
	Ring(c geo.Cell, k int) ([]geo.Cell, error)
}

// Locator is the read side of the location store.
type Locator interface {
	QueryCell(ctx context.Context, cell geo.Cell, maxAge time.Duration) ([]location.WorkerLocation, error)
}

// Engine coordinates dispatch for every request it is asked about. It keeps
// no per-request state in memory; everything lives in the repository.
type Engine struct {
	repo      domain.Repository
	index     GeoIndex
	locations Locator
	events    eventbus.Publisher
	clock     domain.Clock
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs an Engine with the required collaborators.
func New(repo domain.Repository, index GeoIndex, locations Locator, events eventbus.Publisher, clock domain.Clock, cfg Config, logger *zap.Logger) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("request repository is required")
	}
	if index == nil || locations == nil {
		return nil, errors.New("geo index and location store are required")
	}
	if events == nil {
		return nil, errors.New("event publisher is required")
	}
	if cfg.Fallback != "" && cfg.Fallback != FallbackResearch && cfg.Fallback != FallbackAutoAccept {
		return nil, fmt.Errorf("unknown fallback %q", cfg.Fallback)
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:      repo,
		index:     index,
		locations: locations,
		events:    events,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("dispatch.engine"),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Get returns the current request record.
func (e *Engine) Get(ctx context.Context, id string) (domain.Request, error) {
	return e.repo.Get(ctx, id)
}

// Handle consumes request.created events from the intake topic. Invalid
// requests are dropped; transient failures are returned so the bus redelivers.
func (e *Engine) Handle(ctx context.Context, evt eventbus.Event) error {
	if evt.Type != eventbus.TypeRequestCreated {
		e.logger.Debug("ignoring intake event", zap.String("type", string(evt.Type)), zap.String("event_id", evt.ID))
		return nil
	}
	now := e.clock.Now()
	req := domain.Request{
		ID:          evt.RequestID,
		RequesterID: evt.RequesterID,
		Category:    evt.Category,
		Price:       evt.Price,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !evt.OccurredAt.IsZero() {
		req.CreatedAt = evt.OccurredAt
	}
	if evt.Origin == nil {
		e.logger.Warn("dropping request without origin", zap.String("request_id", evt.RequestID))
		return nil
	}
	req.Origin = *evt.Origin
	if err := req.Validate(); err != nil {
		e.logger.Warn("dropping invalid request", zap.Error(err), zap.String("request_id", evt.RequestID))
		return nil
	}
	if _, err := e.repo.Create(ctx, req); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("create request: %w", err)
	}
	_, err := e.Dispatch(ctx, req.ID)
	if errors.Is(err, domain.ErrInvalidInput) {
		e.logger.Warn("dropping undispatchable request", zap.Error(err), zap.String("request_id", req.ID))
		return nil
	}
	return err
}

func (e *Engine) publish(ctx context.Context, evt eventbus.Event) error {
	if err := e.events.Publish(ctx, eventbus.TopicLifecycle, evt); err != nil {
		return fmt.Errorf("%w: publish %s: %w", domain.ErrUnavailable, evt.Type, err)
	}
	return nil
}
