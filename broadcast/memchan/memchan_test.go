package memchan

import (
	"context"
	"testing"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/broadcast/broadcasttest"
)

func TestConformance(t *testing.T) {
	broadcasttest.Run(t, func(t *testing.T) (broadcast.Channel, broadcast.Channel) {
		c := New()
		t.Cleanup(func() { c.Close() })
		return c, nil
	})
}

func TestClosedChannelRejects(t *testing.T) {
	c := New()
	c.Close()
	ctx := context.Background()

	if _, err := c.Subscribe(ctx, "topic", func(ctx context.Context, ev broadcast.Event) {}); err == nil {
		t.Fatal("Subscribe() on closed channel should fail")
	}
	if err := c.Publish(ctx, "topic", []byte("x")); err == nil {
		t.Fatal("Publish() on closed channel should fail")
	}
}
