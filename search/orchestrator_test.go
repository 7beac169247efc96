package search_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/search"
	"github.com/ggoodman/dropdesk/storage"
	"github.com/ggoodman/dropdesk/storage/memory"
)

type fakeSearcher struct {
	mu        sync.Mutex
	results   map[string][]dropapi.Record
	alts      map[string][]dropapi.ExistenceEntry
	searchErr error
	altErr    error
	gates     map[string]chan struct{}
	searches  []string
	checks    []string
	augmented []bool
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		results: map[string][]dropapi.Record{},
		alts:    map[string][]dropapi.ExistenceEntry{},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeSearcher) SearchDrops(ctx context.Context, term string, augmented bool) ([]dropapi.Record, error) {
	f.mu.Lock()
	f.searches = append(f.searches, term)
	f.augmented = append(f.augmented, augmented)
	gate := f.gates[term]
	recs, err := f.results[term], f.searchErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return append([]dropapi.Record{}, recs...), nil
}

func (f *fakeSearcher) CheckExistence(ctx context.Context, term string) ([]dropapi.ExistenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, term)
	if f.altErr != nil {
		return nil, f.altErr
	}
	return f.alts[term], nil
}

func (f *fakeSearcher) calls() (searches, checks []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.searches), slices.Clone(f.checks)
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSearchStoresResults(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	r := dropapi.Record{ID: "d1", SourceName: "Snail", TargetName: "Snail Shell", Chance: 0.6}
	api.results["Snail"] = []dropapi.Record{r}

	o := search.New(ctx, api, newStore(t), nil)
	st := o.Search(ctx, "Snail")

	if st.Loading || st.Error != "" || st.Outcome != search.OutcomeResults {
		t.Fatalf("state = %+v", st)
	}
	if len(st.Results) != 1 || st.Results[0] != r {
		t.Fatalf("results = %+v", st.Results)
	}
	if len(st.Alternatives) != 0 {
		t.Fatalf("alternatives = %+v", st.Alternatives)
	}
	if _, checks := api.calls(); len(checks) != 0 {
		t.Fatalf("existence checks = %v", checks)
	}
}

func TestSearchEmptyFallsBackToExistence(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	want := []dropapi.ExistenceEntry{{ID: 100100, Kind: dropapi.KindSource, ImageExists: true}}
	api.alts["empty"] = want

	o := search.New(ctx, api, newStore(t), nil)
	st := o.Search(ctx, "empty")

	if st.Outcome != search.OutcomeEmptyWithAlternatives || st.Loading {
		t.Fatalf("state = %+v", st)
	}
	if len(st.Results) != 0 || !slices.Equal(st.Alternatives, want) {
		t.Fatalf("results=%+v alternatives=%+v", st.Results, st.Alternatives)
	}
}

func TestSearchExistenceFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	api.altErr = errors.New("aggregator down")

	o := search.New(ctx, api, newStore(t), nil)
	st := o.Search(ctx, "nothing")

	if st.Error != "" || st.Outcome != search.OutcomeEmptyNoAlternatives || len(st.Alternatives) != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestSearchErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"detail", &dropapi.Error{Status: 404, Detail: "No drops found"}, "No drops found"},
		{"no detail", &dropapi.Error{Status: 500}, "Failed to fetch data"},
		{"expired", gateway.ErrSessionExpired, "Your session has expired. Please log in again."},
		{"no token", gateway.ErrNoToken, "Your session has expired. Please log in again."},
		{"transport", fmt.Errorf("dial: %w", errors.New("refused")), "Failed to fetch data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			api := newFakeSearcher()
			api.searchErr = tc.err
			o := search.New(ctx, api, newStore(t), nil)
			st := o.Search(ctx, "x")
			if st.Error != tc.want || st.Outcome != search.OutcomeError || st.Loading {
				t.Fatalf("state = %+v", st)
			}
			if _, checks := api.calls(); len(checks) != 0 {
				t.Fatalf("existence checked after failure: %v", checks)
			}
		})
	}
}

func TestBlankTermIsNoop(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	o := search.New(ctx, api, newStore(t), nil)

	st := o.Search(ctx, "   ")
	if searches, _ := api.calls(); len(searches) != 0 {
		t.Fatalf("searches = %v", searches)
	}
	if st.Outcome != search.OutcomeIdle || len(st.History) != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestBlankTermUsesCurrentTerm(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	o := search.New(ctx, api, newStore(t), nil)
	o.SetTerm(ctx, "Blue Snail")

	o.Search(ctx, "")
	if searches, _ := api.calls(); !slices.Equal(searches, []string{"Blue Snail"}) {
		t.Fatalf("searches = %v", searches)
	}
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	o := search.New(ctx, newFakeSearcher(), newStore(t), nil)

	for i := range 12 {
		o.Search(ctx, fmt.Sprintf("term-%02d", i))
	}
	h := o.State().History
	if len(h) != search.MaxHistory {
		t.Fatalf("len(history) = %d", len(h))
	}
	for i, term := range h {
		if want := fmt.Sprintf("term-%02d", 11-i); term != want {
			t.Fatalf("history[%d] = %q, want %q (history=%v)", i, term, want, h)
		}
	}
}

func TestHistoryIdempotent(t *testing.T) {
	ctx := context.Background()
	o := search.New(ctx, newFakeSearcher(), newStore(t), nil)

	o.Search(ctx, "a")
	o.Search(ctx, "b")
	o.Search(ctx, "a")
	o.Search(ctx, "a")

	if h := o.State().History; !slices.Equal(h, []string{"b", "a"}) {
		t.Fatalf("history = %v", h)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := newFakeSearcher()
	r := dropapi.Record{ID: "d9", SourceID: 3, TargetID: 4, Chance: 0.125}
	api.results["Stump"] = []dropapi.Record{r}

	first := search.New(ctx, api, store, nil)
	first.SetTerm(ctx, "Stump")
	first.Search(ctx, "Slime")
	first.Search(ctx, "Stump")

	reloaded := search.New(ctx, api, store, nil)
	st := reloaded.State()
	if st.Term != "Stump" {
		t.Fatalf("term = %q", st.Term)
	}
	if !slices.Equal(st.History, []string{"Stump", "Slime"}) {
		t.Fatalf("history = %v", st.History)
	}
	if len(st.Results) != 1 || st.Results[0] != r {
		t.Fatalf("results = %+v", st.Results)
	}

	item, err := store.Get(ctx, search.KeyHistory)
	if err != nil || item == nil {
		t.Fatalf("history item: %v %v", item, err)
	}
	var raw []string
	if err := json.Unmarshal(item.Data, &raw); err != nil || !slices.Equal(raw, st.History) {
		t.Fatalf("stored history %s: %v", item.Data, err)
	}
}

func TestUnreadablePersistedStateIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_ = store.Set(ctx, search.KeyHistory, []byte("{not json"))
	_ = store.Set(ctx, search.KeyResults, []byte("42"))
	_ = store.Set(ctx, search.KeyTerm, []byte("Pig"))

	st := search.New(ctx, newFakeSearcher(), store, nil).State()
	if st.Term != "Pig" || len(st.History) != 0 || len(st.Results) != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestDeleteHistoryEntry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := newFakeSearcher()
	api.results["b"] = []dropapi.Record{{ID: "rb"}}
	o := search.New(ctx, api, store, nil)
	o.Search(ctx, "a")
	o.SetTerm(ctx, "b")
	o.Search(ctx, "b")

	if !o.DeleteHistoryEntry(ctx, "b") {
		t.Fatal("DeleteHistoryEntry reported missing term")
	}
	if o.DeleteHistoryEntry(ctx, "zzz") {
		t.Fatal("DeleteHistoryEntry reported unknown term as present")
	}
	st := o.State()
	if !slices.Equal(st.History, []string{"a"}) {
		t.Fatalf("history = %v", st.History)
	}
	if st.Term != "b" || len(st.Results) != 1 {
		t.Fatalf("term/results touched: %+v", st)
	}
	if h := search.New(ctx, api, store, nil).State().History; !slices.Equal(h, []string{"a"}) {
		t.Fatalf("persisted history = %v", h)
	}
}

func TestEnsureDefaultSearchFiresOnce(t *testing.T) {
	ctx := context.Background()
	api := newFakeSearcher()
	o := search.New(ctx, api, newStore(t), nil, search.WithDefaultTerm("Mushroom"))

	if !o.EnsureDefaultSearch(ctx) {
		t.Fatal("first EnsureDefaultSearch did not search")
	}
	o.SetTerm(ctx, "")
	if o.EnsureDefaultSearch(ctx) {
		t.Fatal("second EnsureDefaultSearch searched again")
	}
	if searches, _ := api.calls(); !slices.Equal(searches, []string{"Mushroom"}) {
		t.Fatalf("searches = %v", searches)
	}
}

func TestEnsureDefaultSearchSkipsPersistedState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_ = store.Set(ctx, search.KeyTerm, []byte("Pig"))
	api := newFakeSearcher()
	o := search.New(ctx, api, store, nil)

	if o.EnsureDefaultSearch(ctx) {
		t.Fatal("EnsureDefaultSearch searched despite a persisted term")
	}
	if searches, _ := api.calls(); len(searches) != 0 {
		t.Fatalf("searches = %v", searches)
	}
}

func TestRoutingModeSelectsBackend(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := newFakeSearcher()
	routing := search.NewRouting(ctx, store, nil, nil)
	o := search.New(ctx, api, store, routing)

	o.Search(ctx, "a")
	if on, err := routing.Toggle(ctx); err != nil || !on {
		t.Fatalf("Toggle = %v, %v", on, err)
	}
	o.Search(ctx, "b")

	api.mu.Lock()
	got := slices.Clone(api.augmented)
	api.mu.Unlock()
	if !slices.Equal(got, []bool{false, true}) {
		t.Fatalf("augmented = %v", got)
	}
	if !search.NewRouting(ctx, store, nil, nil).Enabled() {
		t.Fatal("routing flag not persisted")
	}
}

// startSlowThenFast runs a search for "slow" that blocks until released, then
// a search for "fast" that completes, then releases "slow".
func startSlowThenFast(t *testing.T, opts ...search.Option) search.State {
	t.Helper()
	ctx := context.Background()
	api := newFakeSearcher()
	release := make(chan struct{})
	api.gates["slow"] = release
	api.results["slow"] = []dropapi.Record{{ID: "slow"}}
	api.results["fast"] = []dropapi.Record{{ID: "fast"}}
	o := search.New(ctx, api, newStore(t), nil, opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Search(ctx, "slow")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if searches, _ := api.calls(); len(searches) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slow search never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if st := o.Search(ctx, "fast"); len(st.Results) != 1 || st.Results[0].ID != "fast" {
		t.Fatalf("fast state = %+v", st)
	}
	close(release)
	<-done
	return o.State()
}

func TestConcurrentSearchLastResolvedWins(t *testing.T) {
	st := startSlowThenFast(t)
	if len(st.Results) != 1 || st.Results[0].ID != "slow" {
		t.Fatalf("results = %+v, want the slow search's results", st.Results)
	}
}

func TestConcurrentSearchSupersedeStale(t *testing.T) {
	st := startSlowThenFast(t, search.WithSupersedeStale())
	if len(st.Results) != 1 || st.Results[0].ID != "fast" {
		t.Fatalf("results = %+v, want the fast search's results", st.Results)
	}
	if st.Loading {
		t.Fatal("still loading after both searches finished")
	}
}

func TestSearchingStateClearsPreviousOutcome(t *testing.T) {
	cases := []struct {
		name  string
		prior func(api *fakeSearcher)
	}{
		{"after results", func(api *fakeSearcher) {
			api.results["prior"] = []dropapi.Record{{ID: "d1"}}
		}},
		{"after alternatives", func(api *fakeSearcher) {
			api.alts["prior"] = []dropapi.ExistenceEntry{{ID: 1, Kind: dropapi.KindTarget}}
		}},
		{"after error", func(api *fakeSearcher) {
			api.searchErr = errors.New("boom")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			api := newFakeSearcher()
			tc.prior(api)
			o := search.New(ctx, api, store, nil)
			if st := o.Search(ctx, "prior"); st.Outcome == search.OutcomeEmptyNoAlternatives {
				t.Fatalf("prior search left no outcome to clear: %+v", st)
			}

			api.mu.Lock()
			api.searchErr = nil
			release := make(chan struct{})
			api.gates["next"] = release
			api.mu.Unlock()

			done := make(chan struct{})
			go func() {
				defer close(done)
				o.Search(ctx, "next")
			}()
			deadline := time.Now().Add(2 * time.Second)
			for {
				if searches, _ := api.calls(); len(searches) == 2 {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("second search never reached the backend")
				}
				time.Sleep(5 * time.Millisecond)
			}

			st := o.State()
			if !st.Loading || st.Error != "" || len(st.Results) != 0 || len(st.Alternatives) != 0 || st.Outcome != search.OutcomeSearching {
				t.Errorf("state while searching = %+v", st)
			}
			item, err := store.Get(ctx, search.KeyResults)
			if err != nil || item == nil || string(item.Data) != "[]" {
				t.Errorf("persisted results while searching = %v, %v", item, err)
			}

			close(release)
			<-done
			if st := o.State(); st.Loading {
				t.Fatalf("still loading: %+v", st)
			}
		})
	}
}

func TestNamespacesKeepStateApart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	api := newFakeSearcher()
	api.results["Snail"] = []dropapi.Record{{ID: "d1"}}
	alice := storage.UserNamespace{UserID: "alice"}

	a := search.New(ctx, api, store, nil, search.WithNamespace(alice))
	a.SetTerm(ctx, "Snail")
	a.Search(ctx, "Snail")
	if err := a.Routing().Set(ctx, true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	global := search.New(ctx, api, store, nil)
	if st := global.State(); st.Term != "" || len(st.History) != 0 || len(st.Results) != 0 {
		t.Fatalf("global state = %+v", st)
	}
	if global.Routing().Enabled() {
		t.Fatal("routing flag leaked into the global namespace")
	}

	again := search.New(ctx, api, store, nil, search.WithNamespace(alice))
	st := again.State()
	if st.Term != "Snail" || !slices.Equal(st.History, []string{"Snail"}) || len(st.Results) != 1 {
		t.Fatalf("reloaded state = %+v", st)
	}
	if !again.Routing().Enabled() {
		t.Fatal("routing flag not restored")
	}
	if item, _ := store.Get(ctx, search.KeyTerm, storage.WithUser("alice")); item == nil || string(item.Data) != "Snail" {
		t.Fatalf("stored term = %v", item)
	}
}
