package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curia-network/embedhost/kv/memorykv"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	backend, err := memorykv.New(16)
	if err != nil {
		t.Fatalf("memorykv.New() failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	s, err := New(context.Background(), backend, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(token, userID string, kind IdentityKind) Record {
	return Record{
		Token:     token,
		UserID:    userID,
		Identity:  kind,
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
	}
}

func TestAddThenGetActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("token-aaaa", "u1", IdentityENS)
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, ok := s.GetActive(ctx)
	if !ok {
		t.Fatal("GetActive() returned no session")
	}
	if got.Token != rec.Token || got.UserID != "u1" {
		t.Fatalf("GetActive() = %+v, want added record", got)
	}
}

func TestAddRejectsInvalidRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rec  Record
	}{
		{"short token", record("x", "u1", IdentityENS)},
		{"empty user", record("token-aaaa", "", IdentityENS)},
		{"bad identity", record("token-aaaa", "u1", IdentityKind("wat"))},
		{"expired", Record{Token: "token-aaaa", UserID: "u1", Identity: IdentityENS, ExpiresAt: time.Now().Add(-time.Minute), IsActive: true}},
	}
	for _, tc := range cases {
		if err := s.Add(ctx, tc.rec); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: Add() = %v, want ErrValidation", tc.name, err)
		}
	}
	if len(s.GetAll(ctx)) != 0 {
		t.Fatal("invalid records must never be persisted")
	}
}

func TestAddReplacesSameToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := record("token-aaaa", "u1", IdentityENS)
	first.Name = "first"
	second := first
	second.Name = "second"

	if err := s.Add(ctx, first); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.Add(ctx, second); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	all := s.GetAll(ctx)
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d records, want 1 (replace semantics)", len(all))
	}
	if all[0].Name != "second" {
		t.Fatalf("name = %q, want second", all[0].Name)
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, record("token-aaaa", "u1", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	before := len(s.GetAll(ctx))

	if err := s.Remove(ctx, "token-unknown"); err != nil {
		t.Fatalf("Remove() of unknown token failed: %v", err)
	}
	if got := len(s.GetAll(ctx)); got != before {
		t.Fatalf("GetAll() length changed from %d to %d", before, got)
	}
}

func TestRemoveActivePromotesNext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := record("token-aaaa", "u1", IdentityENS)
	b := record("token-bbbb", "u2", IdentityUniversalProfile)
	b.IsActive = true
	if err := s.Add(ctx, a); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	// a was promoted on empty store; adding b with IsActive promotes b.
	if err := s.Add(ctx, b); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if err := s.Remove(ctx, b.Token); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	got, ok := s.GetActive(ctx)
	if !ok || got.Token != a.Token {
		t.Fatalf("expected promotion of %s, got %+v ok=%v", a.Token, got, ok)
	}

	if err := s.Remove(ctx, a.Token); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, ok := s.GetActive(ctx); ok {
		t.Fatal("expected no active session after removing last record")
	}
}

func TestGetActiveEvictsExpired(t *testing.T) {
	clock := time.Now()
	s := newTestStore(t, withClock(func() time.Time { return clock }))
	ctx := context.Background()

	rec := Record{
		Token:     "token-aaaa",
		UserID:    "u1",
		Identity:  IdentityENS,
		ExpiresAt: clock.Add(time.Minute),
		IsActive:  true,
	}
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if got, ok := s.GetActive(ctx); ok {
		t.Fatalf("GetActive() returned expired record %+v", got)
	}
	// The active pointer was cleared, not just hidden.
	if _, ok := s.GetActive(ctx); ok {
		t.Fatal("expired active session resurrected")
	}
}

func TestGetAllDropsExpired(t *testing.T) {
	clock := time.Now()
	s := newTestStore(t, withClock(func() time.Time { return clock }))
	ctx := context.Background()

	short := Record{Token: "token-aaaa", UserID: "u1", Identity: IdentityENS, ExpiresAt: clock.Add(time.Minute), IsActive: true}
	long := Record{Token: "token-bbbb", UserID: "u2", Identity: IdentityENS, ExpiresAt: clock.Add(time.Hour), IsActive: true}
	if err := s.Add(ctx, short); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.Add(ctx, long); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	clock = clock.Add(10 * time.Minute)
	all := s.GetAll(ctx)
	if len(all) != 1 || all[0].Token != long.Token {
		t.Fatalf("GetAll() = %+v, want only the unexpired record", all)
	}
}

func TestSetActiveSwitchesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := record("token-aaaa", "u1", IdentityAnonymous)
	b := record("token-bbbb", "u2", IdentityENS)
	b.IsActive = true
	a.IsActive = true
	if err := s.Add(ctx, a); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.Add(ctx, b); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s.SetActive(ctx, a.Token); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}
	if err := s.SetActive(ctx, b.Token); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}

	got, ok := s.GetActive(ctx)
	if !ok || got.Identity != IdentityENS {
		t.Fatalf("GetActive().Identity = %v, want ens", got.Identity)
	}
}

func TestSetActiveUnknownToken(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetActive(context.Background(), "token-nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive() = %v, want ErrNotFound", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	backend, err := memorykv.New(16)
	if err != nil {
		t.Fatalf("memorykv.New() failed: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	s1, err := New(ctx, backend)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	a := record("token-aaaa", "u1", IdentityAnonymous)
	b := record("token-bbbb", "u2", IdentityENS)
	if err := s1.Add(ctx, a); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s1.Add(ctx, b); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := s1.SetActive(ctx, b.Token); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}
	s1.Close()

	// A fresh store over the same backend sees B active again.
	s2, err := New(ctx, backend)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s2.Close()

	got, ok := s2.GetActive(ctx)
	if !ok || got.Identity != IdentityENS {
		t.Fatalf("after reload GetActive() = %+v ok=%v, want ens record", got, ok)
	}
	if len(s2.GetAll(ctx)) != 2 {
		t.Fatalf("after reload GetAll() = %d records, want 2", len(s2.GetAll(ctx)))
	}
}

func TestSubscribeFiresImmediatelyAndOnMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var snaps []Snapshot
	unsub := s.Subscribe(func(snap Snapshot) { snaps = append(snaps, snap) })
	defer unsub()

	if len(snaps) != 1 {
		t.Fatalf("expected immediate invocation, got %d", len(snaps))
	}
	if err := s.Add(ctx, record("token-aaaa", "u1", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected invocation on mutation, got %d calls", len(snaps))
	}
	if snaps[1].ActiveToken != "token-aaaa" {
		t.Fatalf("subscriber saw active token %q", snaps[1].ActiveToken)
	}

	unsub()
	if err := s.Add(ctx, record("token-bbbb", "u2", IdentityENS)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatal("subscriber invoked after unsubscribe")
	}
}

func TestQuotaRecoveryEvictsToMostRecent(t *testing.T) {
	// Roomy enough for four records, too small for five.
	backend, err := memorykv.New(16, memorykv.WithMaxValueBytes(1200))
	if err != nil {
		t.Fatalf("memorykv.New() failed: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	s, err := New(ctx, backend)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	base := time.Now()
	for i := 0; i < 10; i++ {
		rec := Record{
			Token:          "token-" + string(rune('a'+i)) + "aaaaaaa",
			UserID:         "user",
			Identity:       IdentityENS,
			Name:           "padding-padding-padding-padding-padding-padding-padding-padding",
			ExpiresAt:      base.Add(time.Hour),
			LastAccessedAt: base.Add(time.Duration(i) * time.Minute),
			IsActive:       true,
		}
		if err := s.Add(ctx, rec); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	all := s.GetAll(ctx)
	if len(all) > 4 {
		t.Fatalf("post-recovery store has %d records, want at most 3 plus the active one", len(all))
	}
	if _, ok := s.GetActive(ctx); !ok {
		t.Fatal("active session lost during quota recovery")
	}

	// A subsequent normal write succeeds.
	small := record("token-zzzz", "u9", IdentityENS)
	if err := s.Add(ctx, small); err != nil {
		t.Fatalf("Add() after recovery failed: %v", err)
	}
}

func TestLegacyTokenMigration(t *testing.T) {
	backend, err := memorykv.New(16)
	if err != nil {
		t.Fatalf("memorykv.New() failed: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	if err := backend.Set(ctx, LegacyTokenKey, []byte("legacy-token-value")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	s, err := New(ctx, backend)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	got, ok := s.GetActive(ctx)
	if !ok {
		t.Fatal("migrated legacy session not active")
	}
	if got.Token != "legacy-token-value" || got.Identity != IdentityAnonymous {
		t.Fatalf("migrated record = %+v", got)
	}

	// The deprecated key is deleted after migration.
	raw, err := backend.Get(ctx, LegacyTokenKey)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if raw != nil {
		t.Fatal("legacy token key not deleted")
	}
	// And the structured snapshot exists.
	raw, err = backend.Get(ctx, SnapshotKey)
	if err != nil || raw == nil {
		t.Fatalf("structured snapshot missing after migration: %v", err)
	}
}

func TestCollapseByIdentity(t *testing.T) {
	now := time.Now()
	mk := func(token, user string, kind IdentityKind, accessed time.Time) Record {
		return Record{Token: token, UserID: user, Identity: kind, ExpiresAt: now.Add(time.Hour), LastAccessedAt: accessed, IsActive: true}
	}

	records := []Record{
		mk("token-anon1", "g1", IdentityAnonymous, now.Add(-2*time.Hour)),
		mk("token-ens1", "u1", IdentityENS, now),
		mk("token-anon2", "g2", IdentityAnonymous, now.Add(-time.Hour)),
		mk("token-ens2", "u1", IdentityENS, now.Add(-time.Minute)),
	}

	collapsed := CollapseByIdentity(records)
	if len(collapsed) != 2 {
		t.Fatalf("collapsed to %d entries, want 2", len(collapsed))
	}
	// Anonymous slot keeps the most recently accessed anonymous session.
	if collapsed[0].Token != "token-anon2" {
		t.Fatalf("anonymous slot = %s, want token-anon2", collapsed[0].Token)
	}
	if collapsed[1].Token != "token-ens1" {
		t.Fatalf("ens slot = %s, want token-ens1", collapsed[1].Token)
	}
}

func TestGetActiveEvictsDeactivatedRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("token-aaaa", "u1", IdentityENS)
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	// Server-side deactivation lands as a replace with the flag cleared.
	rec.IsActive = false
	if err := s.Add(ctx, rec); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if got, ok := s.GetActive(ctx); ok {
		t.Fatalf("GetActive() = %+v, want deactivated record evicted", got)
	}
	// The active pointer is cleared, not just hidden.
	if err := s.SetActive(ctx, "token-aaaa"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive() = %v, want ErrNotFound", err)
	}
}
