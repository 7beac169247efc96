// Package jwtauth validates signed bearer tokens issued by an OIDC provider.
// Keys come from the provider's JWKS and are refreshed in the background by
// keyfunc; policy (issuer, audiences, algorithms, header typ, leeway) comes
// from Config.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls token validation.
type Config struct {
	Issuer string
	// Audiences, when non-empty, must intersect the token aud claim. An empty
	// list skips the audience check; Keycloak realm tokens often carry only
	// "account" as audience.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// AcceptedTypes lists the JWT header typ values accepted. Empty accepts
	// any typ, including none.
	AcceptedTypes []string
}

// DefaultConfig returns a Config accepting RS256 with a 60s leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// ErrUnauthorized indicates the token failed signature, issuer, audience,
// typ or time validation.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// UserInfo exposes the subject and raw claims of a validated token.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates tokens against one issuer's keys.
type Authenticator struct {
	cfg     Config
	iss     string
	jwksURI string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery resolves the issuer's jwks_uri through OIDC discovery and
// starts background JWKS refresh bound to ctx.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	c := *cfg
	if meta.Issuer != "" {
		c.Issuer = meta.Issuer
	}
	return newAuthenticator(ctx, c, meta.JwksURI)
}

// NewStatic skips discovery and reads keys from jwksURI directly.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newAuthenticator(ctx, *cfg, jwksURI)
}

func newAuthenticator(ctx context.Context, cfg Config, jwksURI string) (*Authenticator, error) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	algs := slices.Clone(cfg.AllowedAlgs)
	return &Authenticator{
		cfg:     cfg,
		iss:     cfg.Issuer,
		jwksURI: jwksURI,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(algs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer is the issuer tokens are checked against.
func (a *Authenticator) Issuer() string { return a.iss }

// JWKSURI is where signing keys are fetched from.
func (a *Authenticator) JWKSURI() string { return a.jwksURI }

// CheckAuthentication validates tok and returns its subject and claims.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if len(a.cfg.AcceptedTypes) > 0 {
		typ, _ := parsed.Header["typ"].(string)
		if !slices.Contains(a.cfg.AcceptedTypes, typ) {
			return nil, fmt.Errorf("%w: invalid typ %q", ErrUnauthorized, typ)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(a.cfg.Audiences) > 0 && !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
