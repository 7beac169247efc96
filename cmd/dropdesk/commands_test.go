package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/search"
	"github.com/ggoodman/dropdesk/session"
	"github.com/ggoodman/dropdesk/session/sessiontest"
	"github.com/ggoodman/dropdesk/storage/file"
	"github.com/spf13/cobra"
)

func TestPrintStateResults(t *testing.T) {
	var buf bytes.Buffer
	err := printState(&buf, search.State{
		Term:    "Snail",
		Outcome: search.OutcomeResults,
		Results: []dropapi.Record{{ID: "d1", SourceName: "Snail", SourceID: 100100, TargetName: "Snail Shell", TargetID: 4000019, MinQuantity: 1, MaxQuantity: 1, Chance: 0.6}},
	})
	if err != nil {
		t.Fatalf("printState: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SOURCE", "Snail (100100)", "Snail Shell (4000019)", "1-1", "60%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStateAlternatives(t *testing.T) {
	var buf bytes.Buffer
	err := printState(&buf, search.State{
		Term:         "Snale",
		Outcome:      search.OutcomeEmptyWithAlternatives,
		Alternatives: []dropapi.ExistenceEntry{{ID: 100100, Kind: dropapi.KindSource, ImageExists: true}},
	})
	if err != nil {
		t.Fatalf("printState: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, `No drops found for "Snale"`) || !strings.Contains(out, "100100") || !strings.Contains(out, "mob") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestPrintStateError(t *testing.T) {
	err := printState(&bytes.Buffer{}, search.State{Outcome: search.OutcomeError, Error: "Failed to fetch data"})
	if err == nil || err.Error() != "Failed to fetch data" {
		t.Fatalf("err = %v", err)
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		s    session.Session
		want string
	}{
		{session.Session{}, "(unknown user)"},
		{session.Session{Profile: &session.UserProfile{Subject: "abc"}}, "abc"},
		{session.Session{Profile: &session.UserProfile{Subject: "abc", Email: "a@b.c"}}, "a@b.c"},
		{session.Session{Profile: &session.UserProfile{Subject: "abc", Email: "a@b.c", DisplayName: "Ari"}}, "Ari"},
	}
	for _, tc := range cases {
		if got := displayName(tc.s); got != tc.want {
			t.Errorf("displayName(%+v) = %q, want %q", tc.s.Profile, got, tc.want)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"login"}, {"logout"}, {"whoami"}, {"search"}, {"history"}, {"history", "rm"}, {"devmode"}, {"chat"}, {"show"}, {"add"}, {"edit"}, {"names"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("Find(%v) = %v, %v", path, cmd, err)
		}
	}
}

// testApp wires an app to backend through a real session manager whose
// identity provider hands out tok-1 and, on the next login, tok-2.
func testApp(t *testing.T, backend http.Handler) *app {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	idp := sessiontest.NewFakeIDP("tok-1", time.Hour)
	idp.NextToken, idp.NextExpiry = "tok-2", time.Now().Add(time.Hour)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := file.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("file.Open: %v", err)
	}
	sessions := session.NewManager(idp, session.WithLogger(log))
	a := &app{
		log:      log,
		store:    store,
		sessions: sessions,
		api:      dropapi.New(srv.URL, gateway.New(sessions, gateway.WithLogger(log))),
	}
	t.Cleanup(func() { _ = a.Close() })

	sessions.Initialize(context.Background())
	a.scope(context.Background())
	return a
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestEditMergesFlagsAndRetriesAfterLogin(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
		body dropapi.Record
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/get_drop/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "7" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(dropapi.Record{ID: "7", SourceID: 100100, TargetID: 4000019, MinQuantity: 1, MaxQuantity: 1, QuestID: 0, Chance: 0.6})
	})
	mux.HandleFunc("PUT /api/update_drop/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		puts = append(puts, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"message":"Drop updated","id":"7"}`)
	})
	a := testApp(t, mux)

	out, err := runCmd(t, newEditCmd(func() *app { return a }), "7", "--chance", "0.25", "--max", "3")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !strings.Contains(out, "Updated drop 7") {
		t.Fatalf("output = %q", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 2 || puts[0] != "Bearer tok-1" || puts[1] != "Bearer tok-2" {
		t.Fatalf("PUT authorizations = %v", puts)
	}
	want := dropapi.Record{ID: "7", SourceID: 100100, TargetID: 4000019, MinQuantity: 1, MaxQuantity: 3, Chance: 0.25}
	if body != want {
		t.Fatalf("sent %+v, want %+v", body, want)
	}
}

func TestEditReportsBackendDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/get_drop/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Drop record not found"}`)
	})
	a := testApp(t, mux)

	_, err := runCmd(t, newEditCmd(func() *app { return a }), "404", "--min", "2")
	if err == nil || !strings.Contains(err.Error(), "Drop record not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestAddSendsFlags(t *testing.T) {
	var got dropapi.Record
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/add_drop", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"message":"Drop created","id":"42"}`)
	})
	a := testApp(t, mux)

	out, err := runCmd(t, newAddCmd(func() *app { return a }), "--source", "100100", "--target", "4000019", "--max", "2", "--chance", "0.5")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Added drop 42") {
		t.Fatalf("output = %q", out)
	}
	want := dropapi.Record{SourceID: 100100, TargetID: 4000019, MaxQuantity: 2, Chance: 0.5}
	if got != want {
		t.Fatalf("sent %+v, want %+v", got, want)
	}
}

func TestNamesFiltersByPrefix(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/names/all", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"names":["Snail","Snail Shell","Blue Snail","snake"]}`)
	})
	a := testApp(t, mux)

	out, err := runCmd(t, newNamesCmd(func() *app { return a }), "sna")
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if out != "Snail\nSnail Shell\nsnake\n" {
		t.Fatalf("output = %q", out)
	}
}

func TestShowPrintsRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/get_drop/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(dropapi.Record{ID: "7", SourceID: 100100, SourceName: "Snail", TargetID: 4000019, TargetName: "Snail Shell", MinQuantity: 1, MaxQuantity: 1, Chance: 0.6})
	})
	a := testApp(t, mux)

	out, err := runCmd(t, newShowCmd(func() *app { return a }), "7")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"Snail (100100)", "Snail Shell (4000019)", "1-1", "60%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
