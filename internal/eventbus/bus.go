package eventbus

import (
	"context"
	"errors"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("event bus closed")

// Handler processes one delivery. A non-nil error asks the transport to
// redeliver the event later.
type Handler func(ctx context.Context, evt Event) error

// Publisher emits events onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// Bus is a durable publish/subscribe transport. Each consumer group receives
// every event of a topic at least once; members of one group share the load.
type Bus interface {
	Publisher
	// Subscribe consumes topic as a member of group until ctx is cancelled.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}
