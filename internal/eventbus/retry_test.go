package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/eventbus"
)

type flakyPublisher struct {
	failFor atomic.Int32
	calls   atomic.Int32
}

func (f *flakyPublisher) Publish(context.Context, string, eventbus.Event) error {
	f.calls.Add(1)
	if f.failFor.Load() > 0 {
		f.failFor.Add(-1)
		return errors.New("simulated broker outage")
	}
	return nil
}

func TestRetryPublisherRecovers(t *testing.T) {
	flaky := &flakyPublisher{}
	flaky.failFor.Store(2)
	pub := eventbus.NewRetryPublisher(flaky, eventbus.RetryConfig{MaxAttempts: 5, Backoff: time.Millisecond}, zap.NewNop())

	err := pub.Publish(context.Background(), eventbus.TopicLifecycle, eventbus.New(eventbus.TypeRequestOffered, time.Now()))
	require.NoError(t, err)
	require.EqualValues(t, 3, flaky.calls.Load())
}

func TestRetryPublisherExhausts(t *testing.T) {
	flaky := &flakyPublisher{}
	flaky.failFor.Store(100)
	pub := eventbus.NewRetryPublisher(flaky, eventbus.RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond}, zap.NewNop())

	err := pub.Publish(context.Background(), eventbus.TopicLifecycle, eventbus.New(eventbus.TypeRequestOffered, time.Now()))
	require.ErrorIs(t, err, eventbus.ErrPublishExhausted)
	require.EqualValues(t, 3, flaky.calls.Load())
}

func TestRetryPublisherStopsOnCancel(t *testing.T) {
	flaky := &flakyPublisher{}
	flaky.failFor.Store(100)
	pub := eventbus.NewRetryPublisher(flaky, eventbus.RetryConfig{MaxAttempts: 10, Backoff: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pub.Publish(ctx, eventbus.TopicLifecycle, eventbus.New(eventbus.TypeRequestOffered, time.Now()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, flaky.calls.Load())
}
