// Package memchan provides an in-process broadcast.Channel using Go
// channels for delivery. It is the same-tab direct-dispatch implementation;
// use redischan when subscribers live in other processes.
package memchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/curia-network/embedhost/broadcast"
)

const subscriberBuffer = 64

// Channel implements broadcast.Channel in process memory.
type Channel struct {
	origin string

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch     chan broadcast.Event
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an in-process channel with a fresh origin identity.
func New() *Channel {
	return &Channel{
		origin: uuid.NewString(),
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

func (c *Channel) Origin() string { return c.origin }

func (c *Channel) Publish(ctx context.Context, topic string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ev := broadcast.Event{Topic: topic, Data: data, Origin: c.origin}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("memchan: channel closed")
	}
	for sub := range c.topics[topic] {
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, topic string, fn broadcast.Handler) (func(), error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan broadcast.Event, subscriberBuffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("memchan: channel closed")
	}
	subs, ok := c.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		c.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				fn(subCtx, ev)
			case <-subCtx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		c.mu.Lock()
		if subs, ok := c.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(c.topics, topic)
			}
		}
		c.mu.Unlock()
		cancel()
	}
	return unsubscribe, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.topics {
		for sub := range subs {
			sub.cancel()
		}
	}
	c.topics = make(map[string]map[*subscriber]struct{})
	return nil
}

var _ broadcast.Channel = (*Channel)(nil)
