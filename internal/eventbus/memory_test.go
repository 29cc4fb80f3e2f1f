package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/eventbus"
)

func subscribe(t *testing.T, bus *eventbus.MemoryBus, topic, group string, h eventbus.Handler) context.CancelFunc {
	t.Helper()
	before := bus.Subscribers(topic)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = bus.Subscribe(ctx, topic, group, h) }()
	require.Eventually(t, func() bool { return bus.Subscribers(topic) > before }, time.Second, 5*time.Millisecond)
	t.Cleanup(cancel)
	return cancel
}

func TestMemoryBusDeliversOncePerGroup(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{}, zap.NewNop())
	defer bus.Close()

	var groupA, groupB atomic.Int32
	subscribe(t, bus, eventbus.TopicLifecycle, "a", func(context.Context, eventbus.Event) error {
		groupA.Add(1)
		return nil
	})
	subscribe(t, bus, eventbus.TopicLifecycle, "a", func(context.Context, eventbus.Event) error {
		groupA.Add(1)
		return nil
	})
	subscribe(t, bus, eventbus.TopicLifecycle, "b", func(context.Context, eventbus.Event) error {
		groupB.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		evt := eventbus.New(eventbus.TypeRequestOffered, time.Now())
		evt.RequestID = "r1"
		require.NoError(t, bus.Publish(ctx, eventbus.TopicLifecycle, evt))
	}

	require.Eventually(t, func() bool { return groupA.Load() == 10 && groupB.Load() == 10 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusRedeliversOnHandlerError(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{RedeliveryDelay: time.Millisecond}, zap.NewNop())
	defer bus.Close()

	var calls atomic.Int32
	subscribe(t, bus, eventbus.TopicIntake, "engine", func(context.Context, eventbus.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicIntake, eventbus.New(eventbus.TypeRequestCreated, time.Now())))
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusGivesUpAfterMaxDeliveries(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{MaxDeliveries: 2, RedeliveryDelay: time.Millisecond}, zap.NewNop())
	defer bus.Close()

	var calls atomic.Int32
	subscribe(t, bus, eventbus.TopicIntake, "engine", func(_ context.Context, evt eventbus.Event) error {
		calls.Add(1)
		if evt.RequestID == "poison" {
			return errors.New("always fails")
		}
		return nil
	})

	poison := eventbus.New(eventbus.TypeRequestCreated, time.Now())
	poison.RequestID = "poison"
	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicIntake, poison))
	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicIntake, eventbus.New(eventbus.TypeRequestCreated, time.Now())))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusCopiesEventsPerGroup(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{}, zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	subscribe(t, bus, eventbus.TopicLifecycle, "mutator", func(_ context.Context, evt eventbus.Event) error {
		evt.CandidateIDs[0] = "tampered"
		return nil
	})
	subscribe(t, bus, eventbus.TopicLifecycle, "reader", func(_ context.Context, evt eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.CandidateIDs...)
		return nil
	})

	evt := eventbus.New(eventbus.TypeRequestCreated, time.Now())
	evt.CandidateIDs = []string{"w1"}
	require.NoError(t, bus.Publish(context.Background(), eventbus.TopicLifecycle, evt))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"w1"}, got)
	require.Equal(t, []string{"w1"}, evt.CandidateIDs)
}

func TestMemoryBusClose(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{}, zap.NewNop())
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(context.Background(), eventbus.TopicIntake, "g", func(context.Context, eventbus.Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return bus.Subscribers(eventbus.TopicIntake) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, eventbus.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
	require.ErrorIs(t, bus.Publish(context.Background(), eventbus.TopicIntake, eventbus.New(eventbus.TypeRequestCreated, time.Now())), eventbus.ErrClosed)
}
