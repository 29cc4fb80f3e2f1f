package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/dispatch/engine"
	"github.com/example/servicematch/internal/dispatch/repository"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/location"
)

var origin = geo.Point{Lat: 37.7749, Lng: -122.4194}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	fail   func(eventbus.Event) error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, evt eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(evt); err != nil {
			return err
		}
	}
	if topic != eventbus.TopicLifecycle {
		return errors.New("unexpected topic " + topic)
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) setFail(fn func(eventbus.Event) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
}

func (p *recordingPublisher) ofType(t eventbus.Type) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.Event
	for _, evt := range p.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	engine *engine.Engine
	repo   domain.Repository
	locs   *location.MemoryStore
	index  *geo.Index
	clock  *testClock
	pub    *recordingPublisher
}

type harnessOption func(*harnessOptions)

type harnessOptions struct {
	repo    domain.Repository
	locator func(*location.MemoryStore) engine.Locator
}

func withRedisRepository(t *testing.T) harnessOption {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return func(o *harnessOptions) { o.repo = repository.NewRedisRepository(client, "") }
}

func withLocator(fn func(*location.MemoryStore) engine.Locator) harnessOption {
	return func(o *harnessOptions) { o.locator = fn }
}

func newHarness(t *testing.T, cfg engine.Config, opts ...harnessOption) *harness {
	t.Helper()
	o := harnessOptions{repo: repository.NewMemoryRepository()}
	for _, opt := range opts {
		opt(&o)
	}
	clock := &testClock{t: time.Unix(1_700_000_000, 0).UTC()}
	index := geo.NewIndex(geo.DefaultResolution)
	locs := location.NewMemoryStore(index, clock)
	var locator engine.Locator = locs
	if o.locator != nil {
		locator = o.locator(locs)
	}
	pub := &recordingPublisher{}
	eng, err := engine.New(o.repo, index, locator, pub, clock, cfg, zap.NewNop())
	require.NoError(t, err)
	return &harness{engine: eng, repo: o.repo, locs: locs, index: index, clock: clock, pub: pub}
}

func (h *harness) worker(t *testing.T, id string, p geo.Point, category string, age time.Duration) {
	t.Helper()
	require.NoError(t, h.locs.Upsert(context.Background(), location.WorkerLocation{
		WorkerID:  id,
		Point:     p,
		Category:  category,
		Available: true,
		Timestamp: h.clock.Now().Add(-age),
	}))
}

func (h *harness) submit(t *testing.T, id string, p geo.Point, category string) domain.Request {
	t.Helper()
	evt := eventbus.New(eventbus.TypeRequestCreated, h.clock.Now())
	evt.RequestID = id
	evt.RequesterID = "requester-" + id
	evt.Category = category
	evt.Origin = &p
	evt.Price = 20
	require.NoError(t, h.engine.Handle(context.Background(), evt))
	r, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func pendingWorkers(r domain.Request) []string {
	var ids []string
	for _, o := range r.PendingOffers() {
		ids = append(ids, o.WorkerID)
	}
	return ids
}

// north returns a point roughly meters north of p.
func north(p geo.Point, meters float64) geo.Point {
	return geo.Point{Lat: p.Lat + meters/111195.0, Lng: p.Lng}
}

func newMemoryRepo() *repository.MemoryRepository { return repository.NewMemoryRepository() }
