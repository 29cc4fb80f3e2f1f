package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

// scriptedReader hands out fetch errors first, then queued messages, and logs
// every fetch, handle and commit so tests can check their order.
type scriptedReader struct {
	mu        sync.Mutex
	fetchErrs []error
	queue     []kafka.Message
	log       []string
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.log = append(r.log, "fetch-error")
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.log = append(r.log, "fetch")
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
		r.log = append(r.log, "commit")
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) note(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, s)
}

func (r *scriptedReader) snapshot() ([]string, []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...), append([]int64(nil), r.committed...)
}

func newTestKafkaBus(t *testing.T, reader *scriptedReader) (*KafkaBus, *recordingWriter) {
	t.Helper()
	bus, err := NewKafkaBus(KafkaConfig{Brokers: []string{"unused:9092"}, MaxAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	w := &recordingWriter{}
	bus.writer = w
	bus.newReader = func(string, string) kafkaReader { return reader }
	return bus, w
}

func encoded(t *testing.T, evt Event, offset int64) kafka.Message {
	t.Helper()
	data, err := Encode(evt)
	require.NoError(t, err)
	return kafka.Message{Value: data, Offset: offset}
}

func runSubscriber(t *testing.T, bus *KafkaBus, h Handler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, TopicLifecycle, "router", h) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not stop")
		}
	}
}

func TestKafkaPublishKeysByRequest(t *testing.T) {
	bus, w := newTestKafkaBus(t, &scriptedReader{})

	evt := New(TypeRequestOffered, time.Now())
	evt.RequestID = "r1"
	require.NoError(t, bus.Publish(context.Background(), TopicLifecycle, evt))

	loc := New(TypeProviderLocation, time.Now())
	loc.WorkerID = "w7"
	require.NoError(t, bus.Publish(context.Background(), TopicLocation, loc))

	require.Len(t, w.msgs, 2)
	require.Equal(t, TopicLifecycle, w.msgs[0].Topic)
	require.Equal(t, "r1", string(w.msgs[0].Key))
	require.Equal(t, kafka.Header{Key: "x-event-type", Value: []byte(TypeRequestOffered)}, w.msgs[0].Headers[0])
	require.Equal(t, "w7", string(w.msgs[1].Key))

	got, err := Decode(w.msgs[0].Value)
	require.NoError(t, err)
	require.Equal(t, evt.ID, got.ID)
}

func TestKafkaCommitsOnlyAfterHandler(t *testing.T) {
	first := New(TypeRequestOffered, time.Now())
	second := New(TypeRequestAccepted, time.Now())
	reader := &scriptedReader{queue: []kafka.Message{encoded(t, first, 10), encoded(t, second, 11)}}
	bus, _ := newTestKafkaBus(t, reader)

	stop := runSubscriber(t, bus, func(_ context.Context, evt Event) error {
		reader.note("handle:" + string(evt.Type))
		return nil
	})
	require.Eventually(t, func() bool {
		_, committed := reader.snapshot()
		return len(committed) == 2
	}, time.Second, time.Millisecond)
	stop()

	log, committed := reader.snapshot()
	require.Equal(t, []int64{10, 11}, committed)
	require.Equal(t, []string{
		"fetch", "handle:" + string(TypeRequestOffered), "commit",
		"fetch", "handle:" + string(TypeRequestAccepted), "commit",
	}, log)
}

func TestKafkaGivesUpAfterMaxAttemptsAndCommits(t *testing.T) {
	evt := New(TypeRequestOffered, time.Now())
	reader := &scriptedReader{queue: []kafka.Message{encoded(t, evt, 3)}}
	bus, _ := newTestKafkaBus(t, reader)

	stop := runSubscriber(t, bus, func(context.Context, Event) error {
		reader.note("handle")
		return errors.New("downstream unavailable")
	})
	require.Eventually(t, func() bool {
		_, committed := reader.snapshot()
		return len(committed) == 1
	}, time.Second, time.Millisecond)
	stop()

	log, committed := reader.snapshot()
	require.Equal(t, []int64{3}, committed)
	require.Equal(t, []string{"fetch", "handle", "handle", "handle", "commit"}, log)
}

func TestKafkaCommitsUndecodableMessagesWithoutHandling(t *testing.T) {
	reader := &scriptedReader{queue: []kafka.Message{{Value: []byte("{not json"), Offset: 5}}}
	bus, _ := newTestKafkaBus(t, reader)

	stop := runSubscriber(t, bus, func(context.Context, Event) error {
		reader.note("handle")
		return nil
	})
	require.Eventually(t, func() bool {
		_, committed := reader.snapshot()
		return len(committed) == 1
	}, time.Second, time.Millisecond)
	stop()

	log, _ := reader.snapshot()
	require.Equal(t, []string{"fetch", "commit"}, log)
}

func TestKafkaBacksOffOnFetchErrors(t *testing.T) {
	evt := New(TypeRequestOffered, time.Now())
	reader := &scriptedReader{
		fetchErrs: []error{errors.New("broker gone"), errors.New("broker gone")},
		queue:     []kafka.Message{encoded(t, evt, 1)},
	}
	bus, _ := newTestKafkaBus(t, reader)

	stop := runSubscriber(t, bus, func(context.Context, Event) error { return nil })
	require.Eventually(t, func() bool {
		_, committed := reader.snapshot()
		return len(committed) == 1
	}, time.Second, time.Millisecond)
	stop()

	log, _ := reader.snapshot()
	require.Equal(t, []string{"fetch-error", "fetch-error", "fetch", "commit"}, log)
}

func TestNewKafkaBusRequiresBrokers(t *testing.T) {
	_, err := NewKafkaBus(KafkaConfig{}, nil)
	require.Error(t, err)
}
