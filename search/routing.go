package search

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ggoodman/dropdesk/storage"
)

// KeyDevMode holds the routing flag as "true" or "false".
const KeyDevMode = "devMode"

// Routing is the persisted switch between the default and the augmented
// search backend. It is safe for concurrent use.
type Routing struct {
	store storage.Storage
	ns    storage.Namespace
	log   *slog.Logger

	mu      sync.RWMutex
	enabled bool
}

// NewRouting reads the flag stored in ns (nil is the global namespace). A
// missing or unreadable value means the default backend.
func NewRouting(ctx context.Context, store storage.Storage, ns storage.Namespace, log *slog.Logger) *Routing {
	if log == nil {
		log = slog.Default()
	}
	r := &Routing{store: store, ns: ns, log: log}
	item, err := store.Get(ctx, KeyDevMode, storage.WithNamespace(ns))
	switch {
	case err != nil:
		log.WarnContext(ctx, "search.routing.load.fail", slog.String("err", err.Error()))
	case item != nil:
		v, perr := strconv.ParseBool(string(item.Data))
		if perr != nil {
			log.WarnContext(ctx, "search.routing.load.invalid", slog.String("value", string(item.Data)))
			break
		}
		r.enabled = v
	}
	return r
}

// Enabled reports whether searches go to the augmented backend.
func (r *Routing) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Set stores the flag. The in-memory value changes even when persisting
// fails; the error reports the persistence failure.
func (r *Routing) Set(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	return r.persist(ctx, enabled)
}

// Toggle flips the flag and returns the new value.
func (r *Routing) Toggle(ctx context.Context) (bool, error) {
	r.mu.Lock()
	r.enabled = !r.enabled
	v := r.enabled
	r.mu.Unlock()
	return v, r.persist(ctx, v)
}

func (r *Routing) persist(ctx context.Context, v bool) error {
	if err := r.store.Set(ctx, KeyDevMode, []byte(strconv.FormatBool(v)), storage.WithNamespace(r.ns)); err != nil {
		r.log.ErrorContext(ctx, "search.routing.persist.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}
