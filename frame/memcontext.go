package frame

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/wire"
)

// MemoryContext is the in-process execution surface. It has no real
// runtime behind it: Send publishes host payloads to the context's private
// topic and Reload announces a relaunch there, so tests and headless
// embedders can observe exactly what a real surface would receive.
type MemoryContext struct {
	instanceID string
	kind       Kind
	launch     *url.URL
	topic      string
	ch         broadcast.Channel

	mu      sync.Mutex
	closed  bool
	reloads int
}

// NewMemoryContext is the default ContextFactory.
func NewMemoryContext(instanceID string, kind Kind, launch *url.URL, ch broadcast.Channel) (Context, error) {
	return &MemoryContext{
		instanceID: instanceID,
		kind:       kind,
		launch:     launch,
		topic:      ContextTopic(instanceID, kind),
		ch:         ch,
	}, nil
}

func (c *MemoryContext) Kind() Kind          { return c.kind }
func (c *MemoryContext) LaunchURL() *url.URL { return c.launch }

func (c *MemoryContext) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrContextClosed
	}
	return c.ch.Publish(ctx, c.topic, data)
}

func (c *MemoryContext) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.reloads++
	c.mu.Unlock()

	raw, err := json.Marshal(wire.Message{Type: wire.TypeInit, IframeUID: c.instanceID})
	if err != nil {
		return err
	}
	return c.ch.Publish(ctx, c.topic, raw)
}

// Reloads returns how many times the surface was relaunched.
func (c *MemoryContext) Reloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

func (c *MemoryContext) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

var _ Context = (*MemoryContext)(nil)
