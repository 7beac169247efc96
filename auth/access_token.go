package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/dropdesk/internal/jwtauth"
)

// AccessTokenAuthOption configures the token authenticator.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithAudiences requires the token aud claim to contain at least one of
// auds. Without it the audience is not checked.
func WithAudiences(auds ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.Audiences = append([]string(nil), auds...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithAcceptedTypes restricts the JWT header typ values accepted, for
// example "at+jwt" for RFC 9068 access tokens.
func WithAcceptedTypes(types ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AcceptedTypes = append([]string(nil), types...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns an Authenticator for tokens minted by issuer. The
// signing keys are located with OpenID Connect discovery and refreshed for as
// long as ctx lives.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}

// NewStatic is NewFromDiscovery for providers whose JWKS location is known
// up front.
func NewStatic(ctx context.Context, issuer, jwksURI string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}

type adapter struct {
	a *jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
