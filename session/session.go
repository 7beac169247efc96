package session

import (
	"context"
	"errors"
	"time"
)

var errNoToken = errors.New("session: identity provider returned no token")

// Phase is the lifecycle position of a Session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseAuthenticated
	PhaseUnauthenticated
	PhaseRefreshing
	PhaseLoggedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// UserProfile is what the identity provider tells us about the signed-in user.
type UserProfile struct {
	Subject     string
	DisplayName string
	Email       string
}

// Session is a snapshot of the manager's state. Authenticated implies a
// non-empty Token.
type Session struct {
	Token         string
	ExpiresAt     time.Time
	Profile       *UserProfile
	Authenticated bool
	Phase         Phase
}

// TokenExpiryEpochSeconds reports ExpiresAt as Unix seconds, or 0 when no
// token is held.
func (s Session) TokenExpiryEpochSeconds() int64 {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	return s.ExpiresAt.Unix()
}

// IdentityProvider is the federated login backend a Manager drives.
//
// Implementations hold the token themselves; the Manager reads it back with
// Token after Init, Login or a successful UpdateToken.
type IdentityProvider interface {
	// Init checks for an existing session without user interaction. It
	// reports false when there is none.
	Init(ctx context.Context) (active bool, err error)

	// Token returns the current bearer token and its expiry.
	Token() (token string, expiresAt time.Time)

	// LoadProfile fetches the signed-in user's profile.
	LoadProfile(ctx context.Context) (*UserProfile, error)

	// UpdateToken refreshes the token when it expires within minValidity and
	// reports whether a refresh happened.
	UpdateToken(ctx context.Context, minValidity time.Duration) (refreshed bool, err error)

	// Login runs the interactive redirect flow to completion.
	Login(ctx context.Context) error

	// Logout ends the session at the provider and forgets the token.
	Logout(ctx context.Context) error
}
