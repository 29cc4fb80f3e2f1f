package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/config"
	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/internal/location"
	"github.com/example/servicematch/internal/notify"
)

type inbox struct {
	mu    sync.Mutex
	kinds []string
}

func (c *inbox) Send(msg []byte) bool {
	var n notify.Notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, n.Type)
	return true
}

func (c *inbox) Close() {}

func (c *inbox) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestStandalonePipeline(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Gateway.JWTSecret = "secret"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RoleDispatcher, RoleGateway, RoleLocation) }()

	bus := a.bus.(*eventbus.MemoryBus)
	require.Eventually(t, func() bool {
		return a.readiness.Ready() &&
			bus.Subscribers(eventbus.TopicIntake) > 0 &&
			bus.Subscribers(eventbus.TopicLocation) > 0 &&
			bus.Subscribers(eventbus.TopicLifecycle) > 0
	}, 2*time.Second, 10*time.Millisecond)

	requester, worker := &inbox{}, &inbox{}
	a.registry.Connect("u1", "requester", requester)
	a.registry.Connect("w1", "worker", worker)

	origin := geo.Point{Lat: 37.7749, Lng: -122.4194}
	sink := location.NewBusSink(a.Publisher(), nil)
	require.NoError(t, sink.Upsert(ctx, location.WorkerLocation{
		WorkerID: "w1", Point: origin, Category: "plumbing", Available: true, Timestamp: time.Now().UTC(),
	}))
	store := a.locations.(*location.MemoryStore)
	require.Eventually(t, func() bool {
		_, ok := store.Get(ctx, "w1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, SubmitRequest(ctx, a.Publisher(), "R1", "u1", "plumbing", origin, 40))
	require.Eventually(t, func() bool {
		return worker.has(notify.KindOffer) && requester.has(notify.KindOffered)
	}, 2*time.Second, 10*time.Millisecond)

	r, err := a.engine.ResolveOffer(ctx, "R1", "w1", domain.OfferAccepted)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, r.Status)
	require.Eventually(t, func() bool {
		return requester.has(notify.KindAccepted) && worker.has(notify.KindAssigned)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestRunRejectsUnknownRole(t *testing.T) {
	a, err := New(context.Background(), config.Default(), nil)
	require.NoError(t, err)
	defer a.Close()
	require.Error(t, a.Run(context.Background(), Role("janitor")))
}
