package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryConfig tunes MemoryBus.
type MemoryConfig struct {
	Buffer          int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
}

type memoryGroup struct {
	ch      chan Event
	members int
}

// MemoryBus is an in-process Bus for single-binary deployments and tests.
// Each consumer group owns a queue; events published before a group's first
// subscriber are not retained for it.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[string]map[string]*memoryGroup
	cfg    MemoryConfig
	logger *zap.Logger
	done   chan struct{}
	closed bool
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus(cfg MemoryConfig, logger *zap.Logger) *MemoryBus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		groups: make(map[string]map[string]*memoryGroup),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish enqueues a copy of evt for every group subscribed to topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memoryGroup, 0, len(b.groups[topic]))
	for _, g := range b.groups[topic] {
		targets = append(targets, g)
	}
	b.mu.Unlock()

	for _, g := range targets {
		cp, err := Decode(data)
		if err != nil {
			return err
		}
		select {
		case g.ch <- cp:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Subscribe joins group on topic and handles events until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	g, err := b.join(topic, group)
	if err != nil {
		return err
	}
	defer b.leave(topic, group)

	logger := b.logger.With(zap.String("topic", topic), zap.String("group", group))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return ErrClosed
		case evt := <-g.ch:
			b.deliver(ctx, logger, topic, group, evt, h)
		}
	}
}

// Subscribers reports how many consumers are attached to topic across groups.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups[topic] {
		n += g.members
	}
	return n
}

// Close stops every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *MemoryBus) join(topic, group string) (*memoryGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	byGroup, ok := b.groups[topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		b.groups[topic] = byGroup
	}
	g, ok := byGroup[group]
	if !ok {
		g = &memoryGroup{ch: make(chan Event, b.cfg.Buffer)}
		byGroup[group] = g
	}
	g.members++
	return g, nil
}

func (b *MemoryBus) leave(topic, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[topic][group]; ok {
		g.members--
	}
}

func (b *MemoryBus) deliver(ctx context.Context, logger *zap.Logger, topic, group string, evt Event, h Handler) {
	for attempt := 1; ; attempt++ {
		err := h(ctx, evt)
		if err == nil {
			consumeTotal.WithLabelValues(topic, group, "ok").Inc()
			return
		}
		consumeTotal.WithLabelValues(topic, group, "error").Inc()
		if attempt >= b.cfg.MaxDeliveries {
			logger.Error("dropping event after max deliveries",
				zap.Error(err), zap.String("event_id", evt.ID), zap.String("event_type", string(evt.Type)))
			return
		}
		logger.Warn("handler failed, redelivering",
			zap.Error(err), zap.Int("attempt", attempt), zap.String("event_id", evt.ID))
		select {
		case <-time.After(b.cfg.RedeliveryDelay):
		case <-ctx.Done():
			return
		}
	}
}
