// Package broadcast defines the pub/sub channel abstraction that carries
// cross-context protocol messages and cross-tab session change signals.
// Core components are agnostic to which implementation delivered an event:
// memchan dispatches within one process, redischan fans out across
// processes via Redis pub/sub.
package broadcast

import "context"

// Event is one delivered payload. Origin identifies the publishing channel
// instance so subscribers can ignore their own writes; every channel
// implementation delivers events to all subscribers of a topic, including
// subscribers co-located with the publisher.
type Event struct {
	Topic  string
	Data   []byte
	Origin string
}

// Handler consumes events for one subscription. Handlers for a single
// subscription are invoked sequentially in delivery order.
type Handler func(ctx context.Context, ev Event)

// Channel is a topic-addressed broadcast primitive.
type Channel interface {
	// Origin returns this channel instance's publisher identity.
	Origin() string

	// Publish delivers data to every current subscriber of topic. Delivery
	// is fire-and-forget; there is no acknowledgement.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers fn for topic and returns an unsubscribe function.
	// Events published before Subscribe returns are not delivered.
	Subscribe(ctx context.Context, topic string, fn Handler) (func(), error)

	// Close tears down all subscriptions and releases resources.
	Close() error
}
