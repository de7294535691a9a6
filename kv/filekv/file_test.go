package filekv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/curia-network/embedhost/kv"
	"github.com/curia-network/embedhost/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestWatchSeesExternalWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	changed := make(chan string, 1)
	unwatch := s.Watch(func(key string) {
		select {
		case changed <- key:
		default:
		}
	})
	defer unwatch()

	// Simulate another process writing the same key.
	external := filepath.Join(dir, "curia_sessions.json")
	if err := os.WriteFile(external, []byte(`{"sessions":[]}`), 0o644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	select {
	case key := <-changed:
		if key != "curia_sessions" {
			t.Fatalf("watch reported key %q, want curia_sessions", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatchSuppressesOwnWrites(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	changed := make(chan string, 4)
	unwatch := s.Watch(func(key string) { changed <- key })
	defer unwatch()

	if err := s.Set(context.Background(), "snapshot", []byte("v1")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	select {
	case key := <-changed:
		t.Fatalf("own write surfaced as external change for key %q", key)
	case <-time.After(300 * time.Millisecond):
	}
}
