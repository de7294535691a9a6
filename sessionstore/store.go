// Package sessionstore is the single source of truth for which identities
// are signed in for this origin. Every mutation re-serializes the whole
// snapshot to durable storage and announces the change both in-process (to
// subscribers) and to co-resident writers over the broadcast channel.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/curia-network/embedhost/broadcast"
	"github.com/curia-network/embedhost/internal/tokenauth"
	"github.com/curia-network/embedhost/kv"
)

const (
	// SnapshotKey is the durable storage key holding the structured
	// multi-session snapshot.
	SnapshotKey = "curia_sessions"
	// LegacyTokenKey held a single bare session token in earlier releases.
	// It is read once during migration and then deleted.
	LegacyTokenKey = "curia_session_token"
	// ChangeTopic is the broadcast topic announcing snapshot writes. It is
	// dedicated to session changes so listeners do not react to unrelated
	// storage traffic.
	ChangeTopic = "curia-sessions-changed"

	schemaVersion = 1

	// DefaultSyncInterval paces periodic remote reconciliation.
	DefaultSyncInterval = 5 * time.Minute

	// quotaKeepCount is how many most-recently-accessed records survive a
	// storage-quota eviction, in addition to the active record.
	quotaKeepCount = 3

	// legacyRecordTTL is the provisional lifetime granted to a migrated
	// legacy token until reconciliation corrects it.
	legacyRecordTTL = 30 * 24 * time.Hour
)

// Snapshot is the persisted collection of session records plus the active
// pointer. Version supports forward migration of the stored shape.
type Snapshot struct {
	Version     int       `json:"version"`
	Records     []Record  `json:"sessions"`
	ActiveToken string    `json:"activeSessionToken,omitempty"`
	SyncedAt    time.Time `json:"lastSyncedAt"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Records = append([]Record(nil), s.Records...)
	return out
}

// RemoteSyncer fetches the server's view of all sessions authorized by the
// active token. Implementations route through the API proxy when content
// security policy blocks direct calls.
type RemoteSyncer interface {
	FetchSessions(ctx context.Context, activeToken string) ([]Record, error)
}

// SubscriberFunc observes snapshot changes. It is invoked once immediately
// upon subscription and after every subsequent mutation.
type SubscriberFunc func(Snapshot)

// Store owns the persisted multi-account session state.
type Store struct {
	kv           kv.Store
	ch           broadcast.Channel
	remote       RemoteSyncer
	intros       *tokenauth.Introspector
	syncInterval time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]SubscriberFunc
	nextID int

	unsubChan func()
	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithChannel enables cross-writer change signaling over ch.
func WithChannel(ch broadcast.Channel) Option {
	return func(s *Store) { s.ch = ch }
}

// WithRemoteSyncer enables reconciliation against the remote source of
// truth.
func WithRemoteSyncer(r RemoteSyncer) Option {
	return func(s *Store) { s.remote = r }
}

// WithSyncInterval overrides the reconciliation cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(s *Store) { s.syncInterval = d }
}

// WithTokenIntrospection refines record expiry from JWT session tokens.
// Opaque tokens are unaffected.
func WithTokenIntrospection(i *tokenauth.Introspector) Option {
	return func(s *Store) { s.intros = i }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New loads the snapshot from durable storage (running legacy migration if
// needed), subscribes to the cross-writer change topic, and starts the
// reconciliation loop when a RemoteSyncer is configured.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Store, error) {
	if store == nil {
		return nil, fmt.Errorf("sessionstore: kv store is required")
	}
	s := &Store{
		kv:           store,
		syncInterval: DefaultSyncInterval,
		log:          slog.Default(),
		now:          time.Now,
		subs:         make(map[int]SubscriberFunc),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	migratedLegacy, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	if s.ch != nil {
		unsub, err := s.ch.Subscribe(ctx, ChangeTopic, func(ctx context.Context, ev broadcast.Event) {
			if ev.Origin == s.ch.Origin() {
				return
			}
			s.reload(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("sessionstore: failed to subscribe to change topic: %w", err)
		}
		s.unsubChan = unsub
	}

	if s.remote != nil {
		s.mu.Lock()
		haveSessions := len(s.snap.Records) > 0
		s.mu.Unlock()
		if haveSessions || migratedLegacy {
			s.Sync(ctx)
		}
		go s.syncLoop(ctx)
	}
	return s, nil
}

// Close stops background work and detaches from the broadcast channel. The
// underlying kv store is not closed; the caller owns it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.unsubChan != nil {
			s.unsubChan()
		}
	})
	return nil
}

// Add validates and stores a record, replacing any existing record with the
// same token. The record is promoted to active when the store had no active
// session or the record is explicitly flagged active.
func (s *Store) Add(ctx context.Context, rec Record) error {
	now := s.now()
	if s.intros != nil {
		claims, err := s.intros.Introspect(rec.Token)
		switch {
		case err == nil:
			if !claims.ExpiresAt.IsZero() {
				rec.ExpiresAt = claims.ExpiresAt
			}
			if rec.UserID == "" {
				rec.UserID = claims.Subject
			}
		case errors.Is(err, tokenauth.ErrTokenInvalid):
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if err := validateRecord(rec, now); err != nil {
		return err
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = now
	}

	s.mu.Lock()
	replaced := false
	for i := range s.snap.Records {
		if s.snap.Records[i].Token == rec.Token {
			s.snap.Records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.snap.Records = append(s.snap.Records, rec)
	}
	if s.snap.ActiveToken == "" || rec.IsActive {
		s.snap.ActiveToken = rec.Token
	}
	s.persistLocked(ctx)
	snap, subs := s.snapshotAndSubsLocked()
	s.mu.Unlock()

	s.announce(ctx, snap, subs)
	return nil
}

// Remove deletes the record for token. Removing an unknown token is a
// warned no-op. Removing the active record promotes the next usable record
// in insertion order, or leaves no active session.
func (s *Store) Remove(ctx context.Context, token string) error {
	now := s.now()

	s.mu.Lock()
	idx := -1
	for i := range s.snap.Records {
		if s.snap.Records[i].Token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.log.Warn("remove of unknown session token ignored")
		return nil
	}
	s.snap.Records = append(s.snap.Records[:idx], s.snap.Records[idx+1:]...)
	if s.snap.ActiveToken == token {
		s.snap.ActiveToken = ""
		for _, r := range s.snap.Records {
			if r.Usable(now) {
				s.snap.ActiveToken = r.Token
				break
			}
		}
	}
	s.persistLocked(ctx)
	snap, subs := s.snapshotAndSubsLocked()
	s.mu.Unlock()

	s.announce(ctx, snap, subs)
	return nil
}

// SetActive switches the active session to token. It fails with
// ErrNotFound unless a matching, unexpired, active-flagged record exists.
func (s *Store) SetActive(ctx context.Context, token string) error {
	now := s.now()

	s.mu.Lock()
	idx := -1
	for i := range s.snap.Records {
		if s.snap.Records[i].Token == token && s.snap.Records[i].Usable(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: token not usable", ErrNotFound)
	}
	s.snap.Records[idx].LastAccessedAt = now
	s.snap.ActiveToken = token
	s.persistLocked(ctx)
	snap, subs := s.snapshotAndSubsLocked()
	s.mu.Unlock()

	s.announce(ctx, snap, subs)
	return nil
}

// GetActive returns the active record. This is the sole read path that
// enforces usability on the active pointer: an active record that expired,
// or whose active flag was cleared (e.g. server-side deactivation applied
// by reconciliation), is lazily evicted and "no active session" returned.
func (s *Store) GetActive(ctx context.Context) (Record, bool) {
	now := s.now()

	s.mu.Lock()
	if s.snap.ActiveToken == "" {
		s.mu.Unlock()
		return Record{}, false
	}
	var rec *Record
	for i := range s.snap.Records {
		if s.snap.Records[i].Token == s.snap.ActiveToken {
			rec = &s.snap.Records[i]
			break
		}
	}
	if rec == nil || !rec.Usable(now) {
		s.snap.ActiveToken = ""
		s.persistLocked(ctx)
		snap, subs := s.snapshotAndSubsLocked()
		s.mu.Unlock()
		s.announce(ctx, snap, subs)
		return Record{}, false
	}
	out := *rec
	s.mu.Unlock()
	return out, true
}

// GetAll returns all usable records and, as a side effect, drops expired
// records from the snapshot.
func (s *Store) GetAll(ctx context.Context) []Record {
	now := s.now()

	s.mu.Lock()
	kept := s.snap.Records[:0]
	dropped := false
	for _, r := range s.snap.Records {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		} else {
			dropped = true
		}
	}
	s.snap.Records = kept

	var out []Record
	for _, r := range s.snap.Records {
		if r.Usable(now) {
			out = append(out, r)
		}
	}

	if dropped {
		if s.snap.ActiveToken != "" && !s.hasTokenLocked(s.snap.ActiveToken) {
			s.snap.ActiveToken = ""
		}
		s.persistLocked(ctx)
		snap, subs := s.snapshotAndSubsLocked()
		s.mu.Unlock()
		s.announce(ctx, snap, subs)
		return out
	}
	s.mu.Unlock()
	return out
}

// Subscribe registers fn, invoking it immediately with the current
// snapshot. The returned function unsubscribes.
func (s *Store) Subscribe(fn SubscriberFunc) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	snap := s.snap.clone()
	s.mu.Unlock()

	fn(snap)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// --- persistence ---

func (s *Store) persistLocked(ctx context.Context) {
	s.snap.Version = schemaVersion
	data, err := json.Marshal(s.snap)
	if err != nil {
		s.log.Error("failed to marshal session snapshot", slog.String("err", err.Error()))
		return
	}
	err = s.kv.Set(ctx, SnapshotKey, data)
	if err == nil {
		return
	}
	if !errors.Is(err, kv.ErrQuotaExceeded) {
		s.log.Warn("session snapshot write failed; continuing on cached state", slog.String("err", err.Error()))
		return
	}

	// Quota recovery: keep the most-recently-accessed records (active
	// always included), retry once, then wipe as last resort.
	s.evictForQuotaLocked()
	data, err = json.Marshal(s.snap)
	if err == nil {
		err = s.kv.Set(ctx, SnapshotKey, data)
	}
	if err == nil {
		s.log.Warn("session snapshot written after quota eviction",
			slog.Int("records", len(s.snap.Records)))
		return
	}
	s.log.Error("session snapshot write failed after eviction; resetting storage",
		slog.String("err", err.Error()))
	if derr := s.kv.Delete(ctx, SnapshotKey); derr != nil {
		s.log.Error("failed to reset session storage", slog.String("err", derr.Error()))
	}
	s.snap = Snapshot{Version: schemaVersion}
}

func (s *Store) evictForQuotaLocked() {
	active := s.snap.ActiveToken
	recs := append([]Record(nil), s.snap.Records...)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastAccessedAt.After(recs[j].LastAccessedAt)
	})

	kept := make([]Record, 0, quotaKeepCount+1)
	for _, r := range recs {
		if len(kept) < quotaKeepCount {
			kept = append(kept, r)
		} else if r.Token == active {
			kept = append(kept, r)
		}
	}
	s.snap.Records = kept
}

func (s *Store) hasTokenLocked(token string) bool {
	for _, r := range s.snap.Records {
		if r.Token == token {
			return true
		}
	}
	return false
}

func (s *Store) snapshotAndSubsLocked() (Snapshot, []SubscriberFunc) {
	snap := s.snap.clone()
	subs := make([]SubscriberFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return snap, subs
}

// announce delivers a mutated snapshot to in-process subscribers and to
// co-resident writers over the change topic. Called outside the lock.
func (s *Store) announce(ctx context.Context, snap Snapshot, subs []SubscriberFunc) {
	for _, fn := range subs {
		fn(snap)
	}
	if s.ch != nil {
		payload, err := json.Marshal(struct {
			ActiveToken string `json:"activeToken,omitempty"`
			Count       int    `json:"count"`
		}{ActiveToken: snap.ActiveToken, Count: len(snap.Records)})
		if err == nil {
			if err := s.ch.Publish(ctx, ChangeTopic, payload); err != nil {
				s.log.Debug("session change broadcast failed", slog.String("err", err.Error()))
			}
		}
	}
}

// --- loading, migration, external reload ---

// load reads the snapshot once at startup. Returns true when a legacy
// single-token value was migrated, which forces an immediate
// reconciliation.
func (s *Store) load(ctx context.Context) (bool, error) {
	data, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil {
		return false, fmt.Errorf("sessionstore: failed to load snapshot: %w", err)
	}
	if data != nil {
		snap, ok := s.decodeAndSanitize(data)
		if ok {
			s.mu.Lock()
			s.snap = snap
			s.mu.Unlock()
			return false, nil
		}
		s.log.Warn("corrupt session snapshot discarded")
	}

	// No structured snapshot. Check for the deprecated single-token value.
	legacy, err := s.kv.Get(ctx, LegacyTokenKey)
	if err != nil {
		return false, fmt.Errorf("sessionstore: failed to read legacy token: %w", err)
	}
	if legacy == nil || len(legacy) < minTokenLength {
		s.mu.Lock()
		s.snap = Snapshot{Version: schemaVersion}
		s.mu.Unlock()
		return false, nil
	}

	now := s.now()
	rec := Record{
		Token:          string(legacy),
		UserID:         "legacy",
		Identity:       IdentityAnonymous,
		ExpiresAt:      now.Add(legacyRecordTTL),
		LastAccessedAt: now,
		IsActive:       true,
	}
	s.mu.Lock()
	s.snap = Snapshot{
		Version:     schemaVersion,
		Records:     []Record{rec},
		ActiveToken: rec.Token,
	}
	s.persistLocked(ctx)
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, LegacyTokenKey); err != nil {
		s.log.Warn("failed to delete legacy token key", slog.String("err", err.Error()))
	}
	s.log.Info("migrated legacy session token to multi-session snapshot")
	return true, nil
}

// Refresh re-reads the snapshot from durable storage and notifies
// subscribers. Wire it to backends that surface external writers without a
// broadcast channel, e.g. a filekv Watch callback on SnapshotKey.
func (s *Store) Refresh(ctx context.Context) {
	s.reload(ctx)
}

// reload refreshes state after another writer's change signal, sanitizing
// before listeners fire.
func (s *Store) reload(ctx context.Context) {
	data, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil {
		s.log.Warn("failed to reload session snapshot", slog.String("err", err.Error()))
		return
	}
	var snap Snapshot
	if data != nil {
		decoded, ok := s.decodeAndSanitize(data)
		if !ok {
			s.log.Warn("ignoring corrupt externally written snapshot")
			return
		}
		snap = decoded
	} else {
		snap = Snapshot{Version: schemaVersion}
	}

	s.mu.Lock()
	s.snap = snap
	clone, subs := s.snapshotAndSubsLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(clone)
	}
}

// decodeAndSanitize unmarshals a stored snapshot, applies version
// migration, drops expired records, and clears a dangling active pointer.
func (s *Store) decodeAndSanitize(data []byte) (Snapshot, bool) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	if snap.Version > schemaVersion {
		// Written by a newer release; keep what we understand.
		s.log.Warn("session snapshot from newer schema", slog.Int("version", snap.Version))
	}
	snap.Version = schemaVersion

	now := s.now()
	kept := snap.Records[:0]
	for _, r := range snap.Records {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	snap.Records = kept

	if snap.ActiveToken != "" {
		found := false
		for _, r := range snap.Records {
			if r.Token == snap.ActiveToken {
				found = true
				break
			}
		}
		if !found {
			snap.ActiveToken = ""
		}
	}
	return snap, true
}
