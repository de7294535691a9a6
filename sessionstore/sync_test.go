package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/curia-network/embedhost/broadcast/redischan"
	"github.com/curia-network/embedhost/kv/memorykv"
)

type fakeSyncer struct {
	records []Record
	err     error
	calls   int
}

func (f *fakeSyncer) FetchSessions(ctx context.Context, activeToken string) ([]Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func TestSyncServerMetadataWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := record("token-aaaa", "u1", IdentityENS)
	local.Name = "stale name"
	local.LastAccessedAt = time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := s.Add(ctx, local); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	server := local
	server.Name = "fresh name"
	server.WalletAddress = "0xabc"
	server.LastAccessedAt = time.Now()

	s.remote = &fakeSyncer{records: []Record{server}}
	s.Sync(ctx)

	all := s.GetAll(ctx)
	if len(all) != 1 {
		t.Fatalf("GetAll() = %d records, want 1", len(all))
	}
	if all[0].Name != "fresh name" || all[0].WalletAddress != "0xabc" {
		t.Fatalf("server metadata did not win: %+v", all[0])
	}
	if !all[0].LastAccessedAt.Equal(local.LastAccessedAt) {
		t.Fatalf("local last-accessed not preserved: %v", all[0].LastAccessedAt)
	}
}

func TestSyncKeepsLocalOnlyRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := record("token-aaaa", "u1", IdentityENS)
	if err := s.Add(ctx, fresh); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	// Server has not seen the freshly created session yet.
	s.remote = &fakeSyncer{records: nil}
	s.Sync(ctx)

	if len(s.GetAll(ctx)) != 1 {
		t.Fatal("local-only record dropped by reconciliation")
	}
}

func TestSyncAddsRemoteOnlyRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, record("token-aaaa", "u1", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	remote := record("token-bbbb", "u2", IdentityUniversalProfile)
	remote.IsActive = true
	s.remote = &fakeSyncer{records: []Record{remote}}
	s.Sync(ctx)

	if len(s.GetAll(ctx)) != 2 {
		t.Fatalf("GetAll() = %d records, want 2", len(s.GetAll(ctx)))
	}
	// Reconciliation must not steal the active pointer.
	got, ok := s.GetActive(ctx)
	if !ok || got.Token != "token-aaaa" {
		t.Fatalf("active changed by reconciliation: %+v", got)
	}
}

func TestSyncFailureDegradesToCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, record("token-aaaa", "u1", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	s.remote = &fakeSyncer{err: errors.New("backend down")}
	s.Sync(ctx)

	if len(s.GetAll(ctx)) != 1 {
		t.Fatal("cached snapshot lost on sync failure")
	}
}

func TestSyncWithoutActiveSessionIsNoop(t *testing.T) {
	s := newTestStore(t)
	f := &fakeSyncer{}
	s.remote = f
	s.Sync(context.Background())
	if f.calls != 0 {
		t.Fatal("sync fetched without an active session")
	}
}

func TestCrossTabReload(t *testing.T) {
	// Two stores over the same backend, bridged by Redis pub/sub, simulate
	// two tabs of the same browser profile.
	mr := miniredis.RunT(t)
	newChannel := func() *redischan.Channel {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		ch, err := redischan.New(redischan.Config{Client: client})
		if err != nil {
			t.Fatalf("redischan.New() failed: %v", err)
		}
		t.Cleanup(func() { ch.Close() })
		return ch
	}

	backend, err := memorykv.New(16)
	if err != nil {
		t.Fatalf("memorykv.New() failed: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	tabA, err := New(ctx, backend, WithChannel(newChannel()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer tabA.Close()
	tabB, err := New(ctx, backend, WithChannel(newChannel()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer tabB.Close()

	seen := make(chan Snapshot, 4)
	unsub := tabA.Subscribe(func(snap Snapshot) {
		select {
		case seen <- snap:
		default:
		}
	})
	defer unsub()
	<-seen // initial snapshot

	rec := record("token-bbbb", "u2", IdentityENS)
	if err := tabB.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	select {
	case snap := <-seen:
		if snap.ActiveToken != rec.Token {
			t.Fatalf("reloaded snapshot active = %q, want %q", snap.ActiveToken, rec.Token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-tab reload")
	}

	// Writes by tabA itself must not loop back through the channel; the
	// subscriber still fires exactly once per local mutation.
	if err := tabA.Add(ctx, record("token-cccc", "u3", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
}

func TestSyncMetadataOnlyUpdateKeepsActivePointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, record("token-aaaa", "u1", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.Add(ctx, record("token-bbbb", "u2", IdentityUniversalProfile)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.SetActive(ctx, "token-aaaa"); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}

	var transitions int
	last := ""
	first := true
	unsub := s.Subscribe(func(snap Snapshot) {
		if first {
			first, last = false, snap.ActiveToken
			return
		}
		if snap.ActiveToken != last {
			transitions++
			last = snap.ActiveToken
		}
	})
	defer unsub()

	// Reconciliation refreshes metadata on the non-active record only.
	remoteActive := record("token-aaaa", "u1", IdentityENS)
	remoteOther := record("token-bbbb", "u2", IdentityUniversalProfile)
	remoteOther.Name = "renamed"
	s.remote = &fakeSyncer{records: []Record{remoteActive, remoteOther}}
	s.Sync(ctx)

	var renamed bool
	for _, r := range s.GetAll(ctx) {
		if r.Token == "token-bbbb" && r.Name == "renamed" {
			renamed = true
		}
	}
	if !renamed {
		t.Fatal("metadata update not applied by reconciliation")
	}
	if transitions != 0 {
		t.Fatalf("active pointer moved %d times during metadata-only sync", transitions)
	}
	if got, ok := s.GetActive(ctx); !ok || got.Token != "token-aaaa" {
		t.Fatalf("active = %+v, ok=%v, want token-aaaa", got, ok)
	}
}
