package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NATSConfig describes the JetStream stream backing the bus.
type NATSConfig struct {
	Stream     string
	Subjects   []string
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
}

// NATSBus publishes to and consumes from a JetStream stream. Consumer groups
// map onto durable pull consumers shared by every member of the group.
type NATSBus struct {
	js     jetstream.JetStream
	cfg    NATSConfig
	logger *zap.Logger
}

// NewNATSBus ensures the stream exists and returns a bus bound to it.
func NewNATSBus(ctx context.Context, nc *nats.Conn, cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if nc == nil {
		return nil, errors.New("nats bus requires a connection")
	}
	if cfg.Stream == "" {
		cfg.Stream = "SERVICEMATCH"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{TopicIntake, TopicLifecycle, TopicLocation}
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
	}); err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return &NATSBus{js: js, cfg: cfg, logger: logger}, nil
}

// Publish writes evt to the subject named by topic. The event id doubles as
// the JetStream message id so producer retries are deduplicated.
func (b *NATSBus) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set("x-event-type", string(evt.Type))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	if _, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe binds a durable consumer named after group and topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(group, topic),
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", group, err)
	}
	logger := b.logger.With(zap.String("topic", topic), zap.String("group", group))
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		evt, err := Decode(msg.Data())
		if err != nil {
			consumeTotal.WithLabelValues(topic, group, "invalid").Inc()
			logger.Error("discarding undecodable message", zap.Error(err))
			_ = msg.Term()
			return
		}
		if err := h(ctx, evt); err != nil {
			consumeTotal.WithLabelValues(topic, group, "error").Inc()
			logger.Warn("handler failed, nak", zap.Error(err), zap.String("event_id", evt.ID))
			_ = msg.NakWithDelay(b.cfg.NakDelay)
			return
		}
		consumeTotal.WithLabelValues(topic, group, "ok").Inc()
		if err := msg.Ack(); err != nil {
			logger.Warn("ack failed", zap.Error(err), zap.String("event_id", evt.ID))
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

// Close is a no-op; the caller owns the NATS connection.
func (b *NATSBus) Close() error { return nil }

func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-")
	return r.Replace(group + "_" + topic)
}
