package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/dropdesk/session"
	"github.com/ggoodman/dropdesk/session/sessiontest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(idp session.IdentityProvider, opts ...session.Option) *session.Manager {
	return session.NewManager(idp, append([]session.Option{session.WithLogger(quietLogger())}, opts...)...)
}

func waitEvent(t *testing.T, ch <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestInitializeContactsProviderOnce(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", time.Hour)
	idp.InitDelay = 50 * time.Millisecond
	m := newManager(idp)
	defer m.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Initialize(context.Background())
		}()
	}
	wg.Wait()

	if calls, _, _, _ := idp.Counts(); calls != 1 {
		t.Fatalf("Init called %d times, want 1", calls)
	}
	s := m.Session()
	if s.Phase != session.PhaseAuthenticated || !s.Authenticated {
		t.Fatalf("phase = %v authenticated = %v", s.Phase, s.Authenticated)
	}
	if s.Token != "tok-1" {
		t.Fatalf("token = %q", s.Token)
	}
	if s.Profile == nil || s.Profile.Email != "test@example.com" {
		t.Fatalf("profile = %+v", s.Profile)
	}
	if s.TokenExpiryEpochSeconds() == 0 {
		t.Fatal("expiry not captured")
	}
	select {
	case <-m.Ready():
	default:
		t.Fatal("Ready not closed after Initialize")
	}
}

func TestInitializeFailuresLeaveUnauthenticated(t *testing.T) {
	cases := map[string]func(*sessiontest.FakeIDP){
		"no session":    func(f *sessiontest.FakeIDP) { f.Active = false },
		"init error":    func(f *sessiontest.FakeIDP) { f.InitErr = errors.New("idp down") },
		"profile error": func(f *sessiontest.FakeIDP) { f.ProfileErr = errors.New("userinfo 500") },
		"empty token":   func(f *sessiontest.FakeIDP) { f.AccessToken = "" },
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			idp := sessiontest.NewFakeIDP("tok", time.Hour)
			script(idp)
			m := newManager(idp)
			defer m.Close()

			m.Initialize(context.Background())

			s := m.Session()
			if s.Phase != session.PhaseUnauthenticated {
				t.Fatalf("phase = %v", s.Phase)
			}
			if s.Authenticated || s.Token != "" {
				t.Fatalf("unexpected session %+v", s)
			}
			if err := m.WaitReady(context.Background()); err != nil {
				t.Fatalf("WaitReady: %v", err)
			}
		})
	}
}

func TestScheduledRefreshReplacesToken(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", time.Second+50*time.Millisecond)
	idp.NextToken = "tok-2"
	idp.NextExpiry = time.Now().Add(time.Hour)

	m := newManager(idp, session.WithRefreshThreshold(time.Second))
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()

	m.Initialize(context.Background())
	waitEvent(t, events, session.EventAuthenticated)
	ev := waitEvent(t, events, session.EventTokenRefreshed)

	if ev.Session.Token != "tok-2" {
		t.Fatalf("event token = %q", ev.Session.Token)
	}
	if m.Token() != "tok-2" {
		t.Fatalf("token = %q", m.Token())
	}
	if m.Phase() != session.PhaseAuthenticated {
		t.Fatalf("phase = %v", m.Phase())
	}
	if got := m.Session().TokenExpiryEpochSeconds(); got != idp.NextExpiry.Unix() {
		t.Fatalf("expiry = %d, want %d", got, idp.NextExpiry.Unix())
	}
}

func TestRefreshFailureLogsOut(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", 50*time.Millisecond)
	idp.RefreshErr = errors.New("refresh token revoked")

	m := newManager(idp)
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()

	m.Initialize(context.Background())
	ev := waitEvent(t, events, session.EventLoggedOut)
	if ev.Err == nil {
		t.Fatal("expected refresh error on event")
	}

	s := m.Session()
	if s.Phase != session.PhaseLoggedOut || s.Authenticated || s.Token != "" || s.Profile != nil {
		t.Fatalf("session not cleared: %+v", s)
	}
	if _, refreshes, _, logouts := idp.Counts(); refreshes != 1 || logouts != 1 {
		t.Fatalf("refreshes = %d logouts = %d", refreshes, logouts)
	}
}

func TestRefreshNotNeededRearms(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", 10*time.Millisecond)
	idp.NotRefreshed = true

	m := newManager(idp)
	defer m.Close()
	m.Initialize(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, refreshes, _, _ := idp.Counts(); refreshes >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh timer was not re-armed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if m.Token() != "tok-1" {
		t.Fatalf("token changed to %q", m.Token())
	}
	if p := m.Phase(); p != session.PhaseAuthenticated && p != session.PhaseRefreshing {
		t.Fatalf("phase = %v", p)
	}
}

func TestLoginIsSingleFlight(t *testing.T) {
	idp := sessiontest.NewFakeIDP("", 0)
	idp.Active = false
	idp.LoginGate = make(chan struct{})
	idp.NextToken = "tok-login"
	idp.NextExpiry = time.Now().Add(time.Hour)

	m := newManager(idp)
	defer m.Close()
	m.Initialize(context.Background())
	if m.Phase() != session.PhaseUnauthenticated {
		t.Fatalf("phase = %v", m.Phase())
	}

	events, cancel := m.Subscribe()
	defer cancel()

	for range 3 {
		m.Login(context.Background())
	}
	close(idp.LoginGate)

	ev := waitEvent(t, events, session.EventAuthenticated)
	if ev.Session.Token != "tok-login" {
		t.Fatalf("token = %q", ev.Session.Token)
	}
	if _, _, logins, _ := idp.Counts(); logins != 1 {
		t.Fatalf("Login called %d times, want 1", logins)
	}
	if m.Phase() != session.PhaseAuthenticated {
		t.Fatalf("phase = %v", m.Phase())
	}
}

func TestLoginFailurePublishes(t *testing.T) {
	idp := sessiontest.NewFakeIDP("", 0)
	idp.Active = false
	idp.LoginErr = errors.New("user cancelled")

	m := newManager(idp)
	defer m.Close()
	m.Initialize(context.Background())

	events, cancel := m.Subscribe()
	defer cancel()
	m.Login(context.Background())

	ev := waitEvent(t, events, session.EventLoginFailed)
	if ev.Err == nil {
		t.Fatal("expected error on event")
	}
	if m.Token() != "" {
		t.Fatalf("token = %q", m.Token())
	}
}

func TestLogoutClearsSession(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", time.Hour)
	idp.LogoutErr = errors.New("end_session unreachable")
	m := newManager(idp)
	defer m.Close()
	m.Initialize(context.Background())

	events, cancel := m.Subscribe()
	defer cancel()
	m.Logout(context.Background())
	waitEvent(t, events, session.EventLoggedOut)

	if m.Phase() != session.PhaseLoggedOut || m.Token() != "" {
		t.Fatalf("session not cleared: %+v", m.Session())
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	m := newManager(sessiontest.NewFakeIDP("tok", time.Hour))
	events, _ := m.Subscribe()
	m.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	late, _ := m.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscribe after Close should return a closed channel")
	}
}

func TestWaitReadyHonoursContext(t *testing.T) {
	m := newManager(sessiontest.NewFakeIDP("tok", time.Hour))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady = %v", err)
	}
}

func TestPhaseString(t *testing.T) {
	if session.PhaseLoggedOut.String() != "logged_out" {
		t.Fatalf("String() = %q", session.PhaseLoggedOut.String())
	}
	if session.EventTokenRefreshed.String() != "token_refreshed" {
		t.Fatalf("String() = %q", session.EventTokenRefreshed.String())
	}
}

func TestLogoutDuringRefreshWins(t *testing.T) {
	idp := sessiontest.NewFakeIDP("tok-1", 40*time.Millisecond)
	idp.NextToken = "tok-2"
	idp.NextExpiry = time.Now().Add(time.Hour)
	release := make(chan struct{})
	idp.RefreshGate = release

	m := newManager(idp)
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()
	m.Initialize(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, refreshes, _, _ := idp.Counts(); refreshes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Logout(context.Background())
	waitEvent(t, events, session.EventLoggedOut)
	close(release)

	deadline = time.Now().Add(3 * time.Second)
	for {
		if tok, _ := idp.Token(); tok == "tok-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	s := m.Session()
	if s.Authenticated || s.Token != "" || s.Phase != session.PhaseLoggedOut {
		t.Fatalf("session after logout = %+v", s)
	}
	select {
	case ev := <-events:
		if ev.Kind == session.EventTokenRefreshed {
			t.Fatalf("stale refresh published %v", ev.Kind)
		}
	default:
	}
}
