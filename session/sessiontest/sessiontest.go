// Package sessiontest provides a scriptable session.IdentityProvider and a
// static token source for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/dropdesk/session"
)

// FakeIDP is an in-memory identity provider. Exported fields script its
// behaviour; counters record how often each method ran. Set fields before
// handing the fake to a Manager, or hold Lock while changing them later.
type FakeIDP struct {
	sync.Mutex

	// Active is what Init reports.
	Active bool
	// InitErr, ProfileErr, RefreshErr, LoginErr and LogoutErr are returned by
	// the matching method when set.
	InitErr    error
	ProfileErr error
	RefreshErr error
	LoginErr   error
	LogoutErr  error

	// InitDelay stalls Init, for concurrency tests.
	InitDelay time.Duration
	// LoginGate, when non-nil, blocks Login until it is closed.
	LoginGate chan struct{}
	// RefreshGate, when non-nil, blocks UpdateToken until it is closed.
	RefreshGate chan struct{}

	// AccessToken and Expiry are the current token.
	AccessToken string
	Expiry      time.Time
	// NextToken and NextExpiry are installed by a refresh or login.
	NextToken  string
	NextExpiry time.Time
	// NotRefreshed makes UpdateToken report the token as still valid.
	NotRefreshed bool

	Profile session.UserProfile

	InitCalls    int
	RefreshCalls int
	LoginCalls   int
	LogoutCalls  int
}

// NewFakeIDP returns a provider holding an active session whose token
// expires after ttl.
func NewFakeIDP(token string, ttl time.Duration) *FakeIDP {
	return &FakeIDP{
		Active:      true,
		AccessToken: token,
		Expiry:      time.Now().Add(ttl),
		Profile:     session.UserProfile{Subject: "user-1", DisplayName: "Test User", Email: "test@example.com"},
	}
}

func (f *FakeIDP) Init(ctx context.Context) (bool, error) {
	f.Lock()
	f.InitCalls++
	delay, active, err := f.InitDelay, f.Active, f.InitErr
	f.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	if !active {
		f.Lock()
		f.AccessToken, f.Expiry = "", time.Time{}
		f.Unlock()
	}
	return active, nil
}

func (f *FakeIDP) Token() (string, time.Time) {
	f.Lock()
	defer f.Unlock()
	return f.AccessToken, f.Expiry
}

func (f *FakeIDP) LoadProfile(ctx context.Context) (*session.UserProfile, error) {
	f.Lock()
	defer f.Unlock()
	if f.ProfileErr != nil {
		return nil, f.ProfileErr
	}
	p := f.Profile
	return &p, nil
}

func (f *FakeIDP) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	f.Lock()
	f.RefreshCalls++
	gate := f.RefreshGate
	f.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.Lock()
	defer f.Unlock()
	if f.RefreshErr != nil {
		return false, f.RefreshErr
	}
	if f.NotRefreshed {
		return false, nil
	}
	if f.NextToken == "" {
		return false, errors.New("sessiontest: no refresh token scripted")
	}
	f.AccessToken, f.Expiry = f.NextToken, f.NextExpiry
	return true, nil
}

func (f *FakeIDP) Login(ctx context.Context) error {
	f.Lock()
	f.LoginCalls++
	gate, err := f.LoginGate, f.LoginErr
	f.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()
	if f.NextToken != "" {
		f.AccessToken, f.Expiry = f.NextToken, f.NextExpiry
	}
	f.Active = f.AccessToken != ""
	return nil
}

func (f *FakeIDP) Logout(ctx context.Context) error {
	f.Lock()
	defer f.Unlock()
	f.LogoutCalls++
	f.AccessToken, f.Expiry = "", time.Time{}
	f.Active = false
	return f.LogoutErr
}

// Counts returns the call counters under the lock.
func (f *FakeIDP) Counts() (initCalls, refreshCalls, loginCalls, logoutCalls int) {
	f.Lock()
	defer f.Unlock()
	return f.InitCalls, f.RefreshCalls, f.LoginCalls, f.LogoutCalls
}

var _ session.IdentityProvider = (*FakeIDP)(nil)

// StaticSession satisfies the token-source interfaces used by the gateway
// without any identity provider behind it.
type StaticSession struct {
	mu         sync.Mutex
	token      string
	logins     int
	readyCh    chan struct{}
	loginHooks []func()
}

// NewStaticSession returns a ready session holding token ("" for none).
func NewStaticSession(token string) *StaticSession {
	ch := make(chan struct{})
	close(ch)
	return &StaticSession{token: token, readyCh: ch}
}

// OnLogin registers fn to run whenever Login is called.
func (s *StaticSession) OnLogin(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginHooks = append(s.loginHooks, fn)
}

func (s *StaticSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the token.
func (s *StaticSession) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

func (s *StaticSession) Login(ctx context.Context) {
	s.mu.Lock()
	s.logins++
	hooks := append([]func(){}, s.loginHooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Logins reports how many times Login was called.
func (s *StaticSession) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *StaticSession) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
