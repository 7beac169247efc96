// Package file is a storage.Storage persisted to a single JSON document on
// disk. It is what the CLI uses to keep the search term, history, results,
// routing mode and identity-provider token between runs.
//
// The document is cached in memory. An fsnotify watcher on the parent
// directory drops the cache whenever the file is rewritten, renamed or
// removed, so a second process writing the same file is picked up on the next
// read.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/dropdesk/storage"
)

type entry struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Storage implements storage.Storage on a JSON file.
type Storage struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]entry // nil = not loaded

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  sync.Once
}

// Option configures Open.
type Option func(*Storage)

// WithLogger sets the logger used for watcher diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}

// Open returns a store persisted at path. The parent directory is created if
// needed. A missing file is an empty store.
func Open(path string, opts ...Option) (*Storage, error) {
	s := &Storage{path: filepath.Clean(path), log: slog.Default(), done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug("storage.file.watch.unavailable", slog.String("err", err.Error()))
		return s, nil
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		s.log.Debug("storage.file.watch.add.fail", slog.String("dir", dir), slog.String("err", err.Error()))
		return s, nil
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

// Path is the file backing the store.
func (s *Storage) Path() string { return s.path }

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Resolve(opts...)
	k := storage.FlatKey(o.Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	e, ok := s.entries[k]
	if !ok {
		return nil, nil
	}
	item := &storage.Item{Data: append([]byte(nil), e.Data...), CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt}
	if item.IsExpired() {
		delete(s.entries, k)
		return nil, s.flushLocked()
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Resolve(opts...)
	now := time.Now()
	e := entry{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		e.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	s.entries[storage.FlatKey(o.Namespace, key)] = e
	return s.flushLocked()
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Resolve(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	if o.Key != nil {
		k := storage.FlatKey(o.Namespace, *o.Key)
		if _, ok := s.entries[k]; !ok {
			return nil
		}
		delete(s.entries, k)
		return s.flushLocked()
	}
	prefix := storage.NamespacePrefix(o.Namespace)
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	return s.flushLocked()
}

// Close stops the watcher. The file is left in place.
func (s *Storage) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *Storage) loadLocked() error {
	if s.entries != nil {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.entries = map[string]entry{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage file: %w", err)
	}
	entries := map[string]entry{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("decode storage file %s: %w", s.path, err)
		}
	}
	s.entries = entries
	return nil
}

// flushLocked writes the document through a temp file and rename so readers
// never see a partial write.
func (s *Storage) flushLocked() error {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".dropdesk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		return errors.Join(fmt.Errorf("write temp file: %w", err), tmp.Close())
	}
	if err := tmp.Chmod(0o600); err != nil {
		return errors.Join(fmt.Errorf("chmod temp file: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}

func (s *Storage) invalidate() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func (s *Storage) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidate()
				s.log.Debug("storage.file.changed", slog.String("op", ev.Op.String()))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("storage.file.watch.error", slog.String("err", err.Error()))
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
