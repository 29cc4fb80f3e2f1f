package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrPublishExhausted wraps the last transport error once every attempt failed.
var ErrPublishExhausted = errors.New("publish retries exhausted")

// RetryConfig tunes RetryPublisher.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// RetryPublisher retries transient publish failures with exponential backoff.
type RetryPublisher struct {
	next   Publisher
	cfg    RetryConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRetryPublisher wraps next.
func NewRetryPublisher(next Publisher, cfg RetryConfig, logger *zap.Logger) *RetryPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPublisher{next: next, cfg: cfg, logger: logger, tracer: otel.Tracer("eventbus.publisher")}
}

// Publish tries up to MaxAttempts times. Context cancellation stops the loop
// early and is returned as is.
func (p *RetryPublisher) Publish(ctx context.Context, topic string, evt Event) error {
	ctx, span := p.tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("event.type", string(evt.Type)),
	))
	defer span.End()

	var attempt int
	for {
		attempt++
		err := p.next.Publish(ctx, topic, evt)
		if err == nil {
			publishTotal.WithLabelValues(topic, "ok").Inc()
			return nil
		}
		publishTotal.WithLabelValues(topic, "error").Inc()
		p.logger.Warn("publish failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.String("topic", topic),
			zap.String("event_type", string(evt.Type)),
			zap.String("event_id", evt.ID))
		if attempt >= p.cfg.MaxAttempts {
			publishExhaustedTotal.WithLabelValues(topic).Inc()
			span.SetStatus(codes.Error, "retries exhausted")
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrPublishExhausted, evt.Type, attempt, err)
		}
		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *RetryPublisher) backoff(attempt int) time.Duration {
	d := p.cfg.Backoff << (attempt - 1)
	if d <= 0 || d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}
