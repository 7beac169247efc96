package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRefreshThreshold is how long before expiry the token is renewed.
	DefaultRefreshThreshold = 30 * time.Second

	// minRearmDelay keeps a provider that keeps reporting "still valid" from
	// spinning the refresh timer.
	minRearmDelay = time.Second

	backgroundTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRefreshThreshold sets how long before expiry a refresh is attempted.
func WithRefreshThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// Manager owns one Session. It is safe for concurrent use.
type Manager struct {
	idp       IdentityProvider
	log       *slog.Logger
	threshold time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	initMu   sync.Mutex
	initDone bool

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.RWMutex
	sess  Session
	timer *time.Timer

	// epoch changes whenever the session is ended, so a refresh that started
	// before a logout can tell its result is stale.
	epoch uint64

	refreshing atomic.Bool
	loggingIn  atomic.Bool

	events notifier
}

// NewManager returns a Manager in PhaseUninitialized. Call Initialize before
// relying on Token.
func NewManager(idp IdentityProvider, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		idp:       idp,
		log:       slog.Default(),
		threshold: DefaultRefreshThreshold,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize contacts the identity provider once per Manager. Concurrent and
// later calls wait for the first to finish and then return. Failures are
// logged and leave the session in PhaseUnauthenticated.
func (m *Manager) Initialize(ctx context.Context) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initDone {
		return
	}
	m.initDone = true
	defer m.markReady()

	m.setPhase(PhaseInitializing)

	active, err := m.idp.Init(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "session.init.fail", slog.String("err", err.Error()))
		m.setPhase(PhaseUnauthenticated)
		return
	}
	if !active {
		m.log.InfoContext(ctx, "session.init.none")
		m.setPhase(PhaseUnauthenticated)
		return
	}

	profile, err := m.idp.LoadProfile(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "session.init.profile.fail", slog.String("err", err.Error()))
		m.setPhase(PhaseUnauthenticated)
		return
	}
	if !m.adopt(profile) {
		m.log.WarnContext(ctx, "session.init.no_token")
		m.setPhase(PhaseUnauthenticated)
		return
	}
	m.log.InfoContext(ctx, "session.init.ok", slog.Int64("exp", m.Session().TokenExpiryEpochSeconds()))
	m.events.publish(Event{Kind: EventAuthenticated, Session: m.Session()})
}

// Login starts the identity provider's interactive flow in the background.
// Only one flow runs at a time; calls made while one is in flight are
// ignored. The flow is bound to the Manager's lifetime, not to ctx.
func (m *Manager) Login(ctx context.Context) {
	if !m.loggingIn.CompareAndSwap(false, true) {
		m.log.DebugContext(ctx, "session.login.in_flight")
		return
	}
	m.log.InfoContext(ctx, "session.login.start")

	go func() {
		defer m.loggingIn.Store(false)

		if err := m.idp.Login(m.ctx); err != nil {
			m.log.Error("session.login.fail", slog.String("err", err.Error()))
			m.events.publish(Event{Kind: EventLoginFailed, Session: m.Session(), Err: err})
			return
		}

		pctx, cancel := context.WithTimeout(m.ctx, backgroundTimeout)
		profile, err := m.idp.LoadProfile(pctx)
		cancel()
		if err != nil {
			m.log.Warn("session.login.profile.fail", slog.String("err", err.Error()))
		}
		if !m.adopt(profile) {
			err := errNoToken
			m.log.Error("session.login.fail", slog.String("err", err.Error()))
			m.events.publish(Event{Kind: EventLoginFailed, Session: m.Session(), Err: err})
			return
		}
		m.markReady()
		m.log.Info("session.login.ok")
		m.events.publish(Event{Kind: EventAuthenticated, Session: m.Session()})
	}()
}

// Logout ends the session at the identity provider in the background and
// clears local state whatever the provider answers.
func (m *Manager) Logout(ctx context.Context) {
	m.log.InfoContext(ctx, "session.logout.start")
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.epoch++
	m.mu.Unlock()

	go func() {
		lctx, cancel := context.WithTimeout(m.ctx, backgroundTimeout)
		defer cancel()
		if err := m.idp.Logout(lctx); err != nil {
			m.log.Warn("session.logout.idp.fail", slog.String("err", err.Error()))
		}
		m.clear()
		m.log.Info("session.logout.ok")
		m.events.publish(Event{Kind: EventLoggedOut, Session: m.Session()})
	}()
}

// Token returns the current bearer token, or "" when unauthenticated.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.Token
}

// Session returns a snapshot of the current state.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sess
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.Phase
}

// Ready is closed once Initialize (or a Login) has reached a terminal phase.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// WaitReady blocks until Ready is closed or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers for session events. Call cancel to unsubscribe; the
// channel is closed on cancel or Close.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Close stops the refresh timer, aborts background flows and closes every
// subscription.
func (m *Manager) Close() {
	m.stopTimer()
	m.cancel()
	m.events.close()
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.sess.Phase = p
	m.mu.Unlock()
}

// adopt copies the provider's token into the session and arms the refresh
// timer. It reports false, leaving state untouched, when there is no token.
func (m *Manager) adopt(profile *UserProfile) bool {
	tok, exp := m.idp.Token()
	if tok == "" {
		return false
	}
	m.mu.Lock()
	m.sess = Session{
		Token:         tok,
		ExpiresAt:     exp,
		Profile:       profile,
		Authenticated: true,
		Phase:         PhaseAuthenticated,
	}
	m.mu.Unlock()
	m.schedule(exp, 0)
	return true
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.sess = Session{Phase: PhaseLoggedOut}
	m.epoch++
	m.mu.Unlock()
}

// current reports whether the session is still the authenticated one that
// existed at epoch. Callers hold m.mu.
func (m *Manager) current(epoch uint64) bool {
	return m.epoch == epoch && m.sess.Authenticated
}

// schedule arms the refresh timer to fire threshold before exp, but no
// sooner than floor from now.
func (m *Manager) schedule(exp time.Time, floor time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(exp, floor)
}

func (m *Manager) scheduleLocked(exp time.Time, floor time.Duration) {
	if exp.IsZero() {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.ctx.Err() != nil {
		return
	}
	m.timer = time.AfterFunc(max(time.Until(exp)-m.threshold, floor), m.onExpiry)
}

func (m *Manager) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) onExpiry() {
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer m.refreshing.Store(false)

	m.mu.Lock()
	if !m.sess.Authenticated {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	m.sess.Phase = PhaseRefreshing
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, backgroundTimeout)
	defer cancel()

	refreshed, err := m.idp.UpdateToken(ctx, m.threshold)

	m.mu.RLock()
	stale := !m.current(epoch)
	m.mu.RUnlock()
	if stale {
		m.log.Info("session.refresh.stale")
		return
	}

	if err != nil {
		m.log.Error("session.refresh.fail", slog.String("err", err.Error()))
		if lerr := m.idp.Logout(ctx); lerr != nil {
			m.log.Warn("session.logout.idp.fail", slog.String("err", lerr.Error()))
		}
		m.clear()
		m.events.publish(Event{Kind: EventLoggedOut, Session: m.Session(), Err: err})
		return
	}

	tok, exp := m.idp.Token()
	if !refreshed {
		m.log.Warn("session.refresh.not_needed", slog.Time("exp", exp))
		m.mu.Lock()
		if m.current(epoch) {
			m.sess.Phase = PhaseAuthenticated
			m.scheduleLocked(exp, minRearmDelay)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if !m.current(epoch) {
		m.mu.Unlock()
		m.log.Info("session.refresh.stale")
		return
	}
	m.sess.Token = tok
	m.sess.ExpiresAt = exp
	m.sess.Phase = PhaseAuthenticated
	m.scheduleLocked(exp, minRearmDelay)
	m.mu.Unlock()

	m.log.Info("session.refresh.ok", slog.Int64("exp", exp.Unix()))
	m.events.publish(Event{Kind: EventTokenRefreshed, Session: m.Session()})
}
