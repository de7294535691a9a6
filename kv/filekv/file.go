// Package filekv provides a file-backed kv.Store with change watching. Each
// key is stored as one file inside a directory shared by every process of
// the same origin; an fsnotify watch on that directory surfaces writes made
// by other processes, giving session-store consumers the external-writer
// change signal the in-memory backend cannot provide.
package filekv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/curia-network/embedhost/kv"
)

// selfWriteWindow is how long after our own write we suppress watch events
// for the same key, so a writer does not observe itself as an external
// change.
const selfWriteWindow = 500 * time.Millisecond

// Store implements kv.Store on a directory of per-key files.
type Store struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(key string)
	nextID   int
	recent   map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger used for watch diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates (if needed) dir and begins watching it for external writes.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filekv: failed to create directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filekv: failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("filekv: failed to watch %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		watcher:  watcher,
		log:      slog.Default(),
		handlers: make(map[int]func(string)),
		recent:   make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.watchLoop()
	return s, nil
}

// Watch registers fn to be invoked with the key of every externally written
// value. Returns an unregister function.
func (s *Store) Watch(fn func(key string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filekv: failed to read key %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	s.recent[key] = time.Now()
	s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return s.mapWriteErr(key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return s.mapWriteErr(key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return s.mapWriteErr(key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return s.mapWriteErr(key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.recent[key] = time.Now()
	s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filekv: failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func keyFromPath(p string) (string, bool) {
	name := filepath.Base(p)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *Store) mapWriteErr(key string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("filekv: write of key %q: %w", key, kv.ErrQuotaExceeded)
	}
	return fmt.Errorf("filekv: failed to write key %q: %w", key, err)
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			key, ok := keyFromPath(ev.Name)
			if !ok {
				continue
			}
			if s.isSelfWrite(key) {
				continue
			}
			s.mu.Lock()
			handlers := make([]func(string), 0, len(s.handlers))
			for _, fn := range s.handlers {
				handlers = append(handlers, fn)
			}
			s.mu.Unlock()
			for _, fn := range handlers {
				fn(key)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("filekv watch error", slog.String("err", err.Error()))
		}
	}
}

func (s *Store) isSelfWrite(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.recent[key]
	if !ok {
		return false
	}
	if time.Since(at) > selfWriteWindow {
		delete(s.recent, key)
		return false
	}
	return true
}

var _ kv.Store = (*Store)(nil)
