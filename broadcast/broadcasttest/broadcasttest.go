// Package broadcasttest provides a reusable conformance suite for
// broadcast.Channel implementations.
package broadcasttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/curia-network/embedhost/broadcast"
)

// Factory builds a fresh channel for one test. For cross-process
// implementations the factory may return two channel instances bridged by
// the same backend; Pair is nil for single-instance implementations.
type Factory func(t *testing.T) (local broadcast.Channel, pair broadcast.Channel)

// Run executes the conformance suite against the given factory.
func Run(t *testing.T, factory Factory) {
	t.Run("DeliversInOrder", func(t *testing.T) {
		local, _ := factory(t)
		ctx := context.Background()

		var mu sync.Mutex
		var got []string
		done := make(chan struct{})

		unsub, err := local.Subscribe(ctx, "topic", func(ctx context.Context, ev broadcast.Event) {
			mu.Lock()
			got = append(got, string(ev.Data))
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		for _, msg := range []string{"one", "two", "three"} {
			if err := local.Publish(ctx, "topic", []byte(msg)); err != nil {
				t.Fatalf("Publish() failed: %v", err)
			}
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}

		mu.Lock()
		defer mu.Unlock()
		want := []string{"one", "two", "three"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("out of order delivery: got %v, want %v", got, want)
			}
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		local, _ := factory(t)
		ctx := context.Background()

		other := make(chan broadcast.Event, 1)
		unsub, err := local.Subscribe(ctx, "other", func(ctx context.Context, ev broadcast.Event) {
			other <- ev
		})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		if err := local.Publish(ctx, "topic", []byte("hello")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		select {
		case ev := <-other:
			t.Fatalf("event leaked across topics: %+v", ev)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		local, _ := factory(t)
		ctx := context.Background()

		events := make(chan broadcast.Event, 4)
		unsub, err := local.Subscribe(ctx, "topic", func(ctx context.Context, ev broadcast.Event) {
			events <- ev
		})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		unsub()

		if err := local.Publish(ctx, "topic", []byte("after")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		select {
		case ev := <-events:
			t.Fatalf("delivery after unsubscribe: %+v", ev)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("OriginTravelsWithEvent", func(t *testing.T) {
		local, pair := factory(t)
		if pair == nil {
			pair = local
		}
		ctx := context.Background()

		events := make(chan broadcast.Event, 1)
		unsub, err := local.Subscribe(ctx, "topic", func(ctx context.Context, ev broadcast.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		if err := pair.Publish(ctx, "topic", []byte("ping")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		select {
		case ev := <-events:
			if ev.Origin != pair.Origin() {
				t.Fatalf("event origin = %q, want publisher origin %q", ev.Origin, pair.Origin())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	})
}
