package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/curia-network/embedhost/kv/filekv"
)

// Two stores over the same directory, no broadcast channel. The reader
// wires filekv's watcher to Refresh and must observe the writer's change.
func TestRefreshObservesExternalWriters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	readerKV, err := filekv.New(dir)
	if err != nil {
		t.Fatalf("filekv.New() failed: %v", err)
	}
	t.Cleanup(func() { readerKV.Close() })

	reader, err := New(ctx, readerKV)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { reader.Close() })

	snaps := make(chan Snapshot, 8)
	unsub := reader.Subscribe(func(snap Snapshot) {
		select {
		case snaps <- snap:
		default:
		}
	})
	defer unsub()
	<-snaps // initial snapshot

	unwatch := readerKV.Watch(func(key string) {
		if key == SnapshotKey {
			reader.Refresh(context.Background())
		}
	})
	defer unwatch()

	writerKV, err := filekv.New(dir)
	if err != nil {
		t.Fatalf("filekv.New() failed: %v", err)
	}
	t.Cleanup(func() { writerKV.Close() })

	writer, err := New(ctx, writerKV)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { writer.Close() })

	rec := record("token-aaaa", "u1", IdentityENS)
	if err := writer.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if snap.ActiveToken == rec.Token {
				if got, ok := reader.GetActive(ctx); !ok || got.UserID != "u1" {
					t.Fatalf("GetActive() = %+v, ok=%v after refresh", got, ok)
				}
				return
			}
		case <-deadline:
			t.Fatal("reader never observed the external write")
		}
	}
}
