package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka-backed bus.
type KafkaConfig struct {
	Brokers      []string
	MaxAttempts  int
	RetryBackoff time.Duration
	MinBytes     int
	MaxBytes     int
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus keys every message by request id so one request's events land on
// one partition and keep their order. Consumer groups are Kafka groups.
type KafkaBus struct {
	cfg       KafkaConfig
	writer    kafkaWriter
	newReader func(topic, group string) kafkaReader
	logger    *zap.Logger
}

// NewKafkaBus builds a bus. No connection is made until the first publish.
func NewKafkaBus(cfg KafkaConfig, logger *zap.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus requires brokers")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b := &KafkaBus{cfg: cfg, writer: w, logger: logger}
	b.newReader = func(topic, group string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	return b, nil
}

// Publish writes evt to topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(evt.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(evt.Type)},
		},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   "traceparent",
			Value: []byte(fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID())),
		})
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Subscribe reads topic as a member of group. Offsets are committed only after
// the handler succeeds or the event is given up on.
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	r := b.newReader(topic, group)
	defer r.Close()
	return b.consume(ctx, r, topic, group, h)
}

func (b *KafkaBus) consume(ctx context.Context, r kafkaReader, topic, group string, h Handler) error {
	logger := b.logger.With(zap.String("topic", topic), zap.String("group", group))
	backoff := b.cfg.RetryBackoff
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = b.cfg.RetryBackoff

		b.handle(ctx, logger, topic, group, m, h)
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed", zap.Error(err), zap.Int64("offset", m.Offset))
		}
	}
}

func (b *KafkaBus) handle(ctx context.Context, logger *zap.Logger, topic, group string, m kafka.Message, h Handler) {
	evt, err := Decode(m.Value)
	if err != nil {
		consumeTotal.WithLabelValues(topic, group, "invalid").Inc()
		logger.Error("discarding undecodable message", zap.Error(err), zap.Int64("offset", m.Offset))
		return
	}
	delay := b.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, evt)
		if err == nil {
			consumeTotal.WithLabelValues(topic, group, "ok").Inc()
			return
		}
		consumeTotal.WithLabelValues(topic, group, "error").Inc()
		if attempt >= b.cfg.MaxAttempts {
			logger.Error("giving up on event", zap.Error(err), zap.String("event_id", evt.ID))
			return
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}
}

// Close flushes the writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
