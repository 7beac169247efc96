// Command dropdesk is the terminal client: sign in, search records, manage
// search history and chat with the assistant.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ggoodman/dropdesk/chat"
	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/internal/config"
	"github.com/ggoodman/dropdesk/search"
	"github.com/ggoodman/dropdesk/session"
	"github.com/ggoodman/dropdesk/session/oidcidp"
	"github.com/ggoodman/dropdesk/storage"
	"github.com/ggoodman/dropdesk/storage/file"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the services every subcommand shares. It is built once per
// invocation in the root PersistentPreRunE.
type app struct {
	cfg      config.Client
	log      *slog.Logger
	store    *file.Storage
	sessions *session.Manager
	api      *dropapi.Client
	ns       storage.Namespace
	routing  *search.Routing
	search   *search.Orchestrator
	chat     *chat.Conversation
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	var cfg config.Client
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.Load(&cfg, envFiles...); err != nil {
		return nil, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))

	statePath := cfg.StatePath
	if statePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir: %w", err)
		}
		statePath = filepath.Join(dir, "dropdesk", "state.json")
	}
	store, err := file.Open(statePath, file.WithLogger(log))
	if err != nil {
		return nil, err
	}

	idp := oidcidp.New(oidcidp.Config{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		Scopes:       cfg.ScopeList(),
		RedirectPort: cfg.RedirectPort,
	}, store, oidcidp.WithLogger(log))

	sessions := session.NewManager(idp,
		session.WithLogger(log),
		session.WithRefreshThreshold(cfg.RefreshThreshold),
	)
	gw := gateway.New(sessions, gateway.WithLogger(log))

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		sessions: sessions,
		api:      dropapi.New(cfg.APIURL, gw),
		chat: chat.New(strings.TrimRight(cfg.APIURL, "/")+"/api/chat", gw,
			chat.WithLogger(log),
			chat.OnChunk(func(s string) { fmt.Fprint(os.Stdout, s) }),
		),
	}
	sessions.Initialize(ctx)
	a.scope(ctx)
	return a, nil
}

// scope loads the search state of the signed-in user, or the global state
// when nobody is signed in. It only rebuilds when the user changed, so it is
// cheap to call again after a login.
func (a *app) scope(ctx context.Context) {
	ns := stateNamespace(a.sessions.Session())
	if a.search != nil && ns == a.ns {
		return
	}
	a.ns = ns
	a.routing = search.NewRouting(ctx, a.store, ns, a.log)
	a.search = search.New(ctx, a.api, a.store, a.routing,
		search.WithLogger(a.log),
		search.WithDefaultTerm(a.cfg.DefaultTerm),
		search.WithNamespace(ns),
	)
}

// stateNamespace is the storage namespace for a session's search state.
func stateNamespace(s session.Session) storage.Namespace {
	if !s.Authenticated || s.Profile == nil || s.Profile.Subject == "" {
		return nil
	}
	return storage.UserNamespace{UserID: s.Profile.Subject}
}

func (a *app) Close() error {
	a.sessions.Close()
	return a.store.Close()
}

// awaitLogin waits for the outcome of a login flow that has already been
// started, reading from a subscription taken before it started.
func awaitLogin(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("session closed")
			}
			switch ev.Kind {
			case session.EventAuthenticated:
				return nil
			case session.EventLoginFailed:
				return fmt.Errorf("login failed: %w", ev.Err)
			}
		}
	}
}
