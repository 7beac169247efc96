// Package search drives the record search: the current term, results, the
// alternative-identifier fallback and a short history, all persisted so a
// restart picks up where the last run left off.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/storage"
)

// Persisted keys.
const (
	KeyTerm    = "searchTerm"
	KeyHistory = "searchHistory"
	KeyResults = "searchResults"
)

const (
	// MaxHistory is how many distinct terms the history keeps.
	MaxHistory = 10

	// DefaultTerm is searched by EnsureDefaultSearch when nothing was persisted.
	DefaultTerm = "Snail"

	// MsgFetchFailed is shown when a failed search carries no detail.
	MsgFetchFailed = "Failed to fetch data"

	// MsgSessionExpired is shown when a search failed for lack of a valid session.
	MsgSessionExpired = "Your session has expired. Please log in again."
)

// Searcher is the backend the orchestrator talks to. *dropapi.Client
// satisfies it.
type Searcher interface {
	SearchDrops(ctx context.Context, term string, augmented bool) ([]dropapi.Record, error)
	CheckExistence(ctx context.Context, term string) ([]dropapi.ExistenceEntry, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDefaultTerm sets the term EnsureDefaultSearch uses.
func WithDefaultTerm(term string) Option {
	return func(o *Orchestrator) { o.defaultTerm = term }
}

// WithNamespace keeps the persisted term, history, results and routing flag
// in ns instead of the global namespace, so each signed-in user has their own.
func WithNamespace(ns storage.Namespace) Option {
	return func(o *Orchestrator) { o.ns = ns }
}

// WithSupersedeStale discards the outcome of a search that a newer search
// started after. Without it, whichever search finishes last wins.
func WithSupersedeStale() Option {
	return func(o *Orchestrator) { o.supersede = true }
}

// Orchestrator owns one SearchState. It is safe for concurrent use.
type Orchestrator struct {
	api     Searcher
	store   storage.Storage
	ns      storage.Namespace
	routing *Routing
	log     *slog.Logger

	defaultTerm string
	supersede   bool
	seedOnce    sync.Once

	mu    sync.Mutex
	gen   uint64
	state State
}

// New returns an Orchestrator seeded from store. Unreadable persisted values
// are logged and ignored. A nil routing is read from the same namespace as
// the search state.
func New(ctx context.Context, api Searcher, store storage.Storage, routing *Routing, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:         api,
		store:       store,
		routing:     routing,
		log:         slog.Default(),
		defaultTerm: DefaultTerm,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.routing == nil {
		o.routing = NewRouting(ctx, store, o.ns, o.log)
	}
	o.load(ctx)
	return o
}

func (o *Orchestrator) load(ctx context.Context) {
	if item := o.get(ctx, KeyTerm); item != nil {
		o.state.Term = string(item.Data)
	}
	if item := o.get(ctx, KeyHistory); item != nil {
		var h []string
		if err := json.Unmarshal(item.Data, &h); err != nil {
			o.log.WarnContext(ctx, "search.load.invalid", slog.String("key", KeyHistory), slog.String("err", err.Error()))
		} else {
			o.state.History = h
		}
	}
	if item := o.get(ctx, KeyResults); item != nil {
		var r []dropapi.Record
		if err := json.Unmarshal(item.Data, &r); err != nil {
			o.log.WarnContext(ctx, "search.load.invalid", slog.String("key", KeyResults), slog.String("err", err.Error()))
		} else {
			o.state.Results = r
		}
	}
}

func (o *Orchestrator) get(ctx context.Context, key string) *storage.Item {
	item, err := o.store.Get(ctx, key, storage.WithNamespace(o.ns))
	if err != nil {
		o.log.WarnContext(ctx, "search.load.fail", slog.String("key", key), slog.String("err", err.Error()))
		return nil
	}
	return item
}

// State returns a snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Routing returns the backend switch consulted by every search.
func (o *Orchestrator) Routing() *Routing { return o.routing }

// SetTerm stores term as the current term.
func (o *Orchestrator) SetTerm(ctx context.Context, term string) {
	o.mu.Lock()
	o.state.Term = term
	o.mu.Unlock()
	o.persist(ctx, KeyTerm, []byte(term))
}

// Search runs one search cycle and returns the state it left behind. A
// blank term falls back to the current term; if that is blank too nothing
// happens. Failures end up in State.Error, never in a returned error.
func (o *Orchestrator) Search(ctx context.Context, term string) State {
	o.mu.Lock()
	if strings.TrimSpace(term) == "" {
		term = o.state.Term
	}
	term = strings.TrimSpace(term)
	if term == "" {
		defer o.mu.Unlock()
		return o.state.clone()
	}

	o.gen++
	gen := o.gen
	o.state.Loading = true
	o.state.Error = ""
	o.state.Results = nil
	o.state.Alternatives = nil
	o.state.Outcome = OutcomeSearching
	historyChanged := false
	if !slices.Contains(o.state.History, term) {
		o.state.History = pushHistory(o.state.History, term)
		historyChanged = true
	}
	history := slices.Clone(o.state.History)
	o.mu.Unlock()

	o.persistJSON(ctx, KeyResults, []dropapi.Record{})
	if historyChanged {
		o.persistJSON(ctx, KeyHistory, history)
	}

	augmented := o.routing.Enabled()
	o.log.DebugContext(ctx, "search.start", slog.String("term", term), slog.Bool("augmented", augmented))

	recs, err := o.api.SearchDrops(ctx, term, augmented)
	var alts []dropapi.ExistenceEntry
	if err == nil && len(recs) == 0 {
		var aerr error
		alts, aerr = o.api.CheckExistence(ctx, term)
		if aerr != nil {
			o.log.WarnContext(ctx, "search.existence.fail", slog.String("term", term), slog.String("err", aerr.Error()))
			alts = nil
		}
	}

	o.mu.Lock()
	if o.supersede && gen != o.gen {
		o.log.DebugContext(ctx, "search.superseded", slog.String("term", term))
		defer o.mu.Unlock()
		return o.state.clone()
	}
	o.state.Loading = false
	switch {
	case err != nil:
		o.state.Error = errorMessage(err)
		o.state.Outcome = OutcomeError
		o.log.WarnContext(ctx, "search.fail", slog.String("term", term), slog.String("err", err.Error()))
	case len(recs) > 0:
		o.state.Results = recs
		o.state.Outcome = OutcomeResults
	case len(alts) > 0:
		o.state.Alternatives = alts
		o.state.Outcome = OutcomeEmptyWithAlternatives
	default:
		o.state.Outcome = OutcomeEmptyNoAlternatives
	}
	snap := o.state.clone()
	o.mu.Unlock()

	if len(recs) > 0 {
		o.persistJSON(ctx, KeyResults, recs)
	}
	o.log.InfoContext(ctx, "search.done",
		slog.String("term", term),
		slog.String("outcome", snap.Outcome.String()),
		slog.Int("results", len(snap.Results)),
		slog.Int("alternatives", len(snap.Alternatives)),
	)
	return snap
}

// EnsureDefaultSearch searches the default term when neither a term nor
// results were persisted. It runs at most once per Orchestrator and reports
// whether it searched.
func (o *Orchestrator) EnsureDefaultSearch(ctx context.Context) bool {
	fired := false
	o.seedOnce.Do(func() {
		o.mu.Lock()
		empty := o.state.Term == "" && len(o.state.Results) == 0
		o.mu.Unlock()
		if !empty || strings.TrimSpace(o.defaultTerm) == "" {
			return
		}
		fired = true
		o.log.InfoContext(ctx, "search.default", slog.String("term", o.defaultTerm))
		o.SetTerm(ctx, o.defaultTerm)
		o.Search(ctx, o.defaultTerm)
	})
	return fired
}

// DeleteHistoryEntry removes term from the history. It reports whether the
// term was present.
func (o *Orchestrator) DeleteHistoryEntry(ctx context.Context, term string) bool {
	o.mu.Lock()
	i := slices.Index(o.state.History, term)
	if i < 0 {
		o.mu.Unlock()
		return false
	}
	o.state.History = slices.Delete(o.state.History, i, i+1)
	history := slices.Clone(o.state.History)
	o.mu.Unlock()

	o.persistJSON(ctx, KeyHistory, history)
	return true
}

func pushHistory(h []string, term string) []string {
	out := make([]string, 0, min(len(h)+1, MaxHistory))
	out = append(out, term)
	for _, t := range h {
		if len(out) == MaxHistory {
			break
		}
		out = append(out, t)
	}
	return out
}

func errorMessage(err error) string {
	if gateway.IsAuthError(err) {
		return MsgSessionExpired
	}
	var apiErr *dropapi.Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return MsgFetchFailed
}

func (o *Orchestrator) persistJSON(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		o.log.ErrorContext(ctx, "search.persist.fail", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	o.persist(ctx, key, b)
}

func (o *Orchestrator) persist(ctx context.Context, key string, data []byte) {
	if err := o.store.Set(ctx, key, data, storage.WithNamespace(o.ns)); err != nil {
		o.log.ErrorContext(ctx, "search.persist.fail", slog.String("key", key), slog.String("err", err.Error()))
	}
}
