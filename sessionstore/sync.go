package sessionstore

import (
	"context"
	"log/slog"
	"time"
)

// Sync reconciles the snapshot against the remote source of truth. Server
// fields win for identity metadata, but a record present locally and absent
// remotely is kept (it may be a freshly created session the server has not
// surfaced yet), and local last-accessed times are preserved. Failures
// degrade to the cached snapshot; Sync never reports an error to callers.
func (s *Store) Sync(ctx context.Context) {
	if s.remote == nil {
		return
	}
	active, ok := s.GetActive(ctx)
	if !ok {
		return
	}

	remote, err := s.remote.FetchSessions(ctx, active.Token)
	if err != nil {
		s.log.Warn("session reconciliation failed; keeping cached snapshot",
			slog.String("err", err.Error()))
		return
	}

	now := s.now()

	s.mu.Lock()
	changed := false
	byToken := make(map[string]int, len(s.snap.Records))
	for i, r := range s.snap.Records {
		byToken[r.Token] = i
	}

	for _, rr := range remote {
		if rr.Token == "" {
			continue
		}
		if i, ok := byToken[rr.Token]; ok {
			merged := rr
			merged.LastAccessedAt = s.snap.Records[i].LastAccessedAt
			if merged != s.snap.Records[i] {
				s.snap.Records[i] = merged
				changed = true
			}
		} else if rr.ExpiresAt.After(now) {
			if rr.LastAccessedAt.IsZero() {
				rr.LastAccessedAt = now
			}
			s.snap.Records = append(s.snap.Records, rr)
			byToken[rr.Token] = len(s.snap.Records) - 1
			changed = true
		}
	}

	s.snap.SyncedAt = now
	if changed {
		s.persistLocked(ctx)
		snap, subs := s.snapshotAndSubsLocked()
		s.mu.Unlock()
		s.announce(ctx, snap, subs)
		return
	}
	s.persistLocked(ctx)
	s.mu.Unlock()
}

func (s *Store) syncLoop(ctx context.Context) {
	interval := s.syncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}
