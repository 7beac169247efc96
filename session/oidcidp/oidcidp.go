// Package oidcidp implements session.IdentityProvider against an OpenID
// Connect provider such as a Keycloak realm.
//
// Login runs the authorization-code flow with PKCE: a loopback listener
// receives the redirect, the code is exchanged for tokens and the ID token is
// verified. Tokens are persisted in a storage.Storage so a later process can
// pick the session up again in Init.
package oidcidp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/dropdesk/session"
	"github.com/ggoodman/dropdesk/storage"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenKey is the storage key holding the persisted token set.
const TokenKey = "oidc.token"

const defaultRedirectPath = "/callback"

// Config describes the OIDC client.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RedirectPort is the loopback port for the login redirect. 0 picks a
	// free port; the provider must then accept any loopback port, which
	// public Keycloak clients do for http://127.0.0.1 redirects.
	RedirectPort int
	// RedirectPath defaults to "/callback".
	RedirectPath string
}

var (
	// ErrNoRefreshToken is returned by UpdateToken when the token set cannot
	// be renewed.
	ErrNoRefreshToken = errors.New("oidcidp: no refresh token")
	// ErrNotSignedIn is returned by LoadProfile without a token.
	ErrNotSignedIn = errors.New("oidcidp: not signed in")
)

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithOpenURL replaces the function used to send the user to the
// authorization page. The default launches the system browser.
func WithOpenURL(fn func(string) error) Option {
	return func(p *Provider) {
		if fn != nil {
			p.openURL = fn
		}
	}
}

// WithHTTPClient sets the client used for discovery, token and userinfo
// calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider is a session.IdentityProvider backed by OIDC.
type Provider struct {
	cfg        Config
	store      storage.Storage
	log        *slog.Logger
	openURL    func(string) error
	httpClient *http.Client

	discoverMu sync.Mutex
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	endSession string

	mu      sync.Mutex
	tok     *oauth2.Token
	idToken string
}

type storedTokens struct {
	Token   *oauth2.Token `json:"token"`
	IDToken string        `json:"id_token,omitempty"`
}

// New returns a Provider persisting tokens in store. Discovery happens on
// first use.
func New(cfg Config, store storage.Storage, opts ...Option) *Provider {
	if cfg.RedirectPath == "" {
		cfg.RedirectPath = defaultRedirectPath
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}
	p := &Provider{
		cfg:        cfg,
		store:      store,
		log:        slog.Default(),
		openURL:    openBrowser,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) clientCtx(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}

func (p *Provider) discover(ctx context.Context) (*oidc.Provider, error) {
	p.discoverMu.Lock()
	defer p.discoverMu.Unlock()
	if p.provider != nil {
		return p.provider, nil
	}

	prov, err := oidc.NewProvider(p.clientCtx(ctx), p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := prov.Claims(&meta); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	p.provider = prov
	p.verifier = prov.Verifier(&oidc.Config{ClientID: p.cfg.ClientID})
	p.endSession = meta.EndSession
	return prov, nil
}

func (p *Provider) oauthConfig(prov *oidc.Provider, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     prov.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       p.cfg.Scopes,
	}
}

// Init restores a persisted token set. An expired access token is renewed
// with the refresh token; if that fails the stored tokens are discarded and
// Init reports no session.
func (p *Provider) Init(ctx context.Context) (bool, error) {
	item, err := p.store.Get(ctx, TokenKey)
	if err != nil {
		return false, fmt.Errorf("load stored token: %w", err)
	}
	if item == nil {
		return false, nil
	}
	var st storedTokens
	if err := json.Unmarshal(item.Data, &st); err != nil || st.Token == nil || st.Token.AccessToken == "" {
		p.log.WarnContext(ctx, "oidcidp.init.discard", slog.String("reason", "unreadable stored token"))
		return false, p.store.Delete(ctx, storage.WithKey(TokenKey))
	}

	p.mu.Lock()
	p.tok, p.idToken = st.Token, st.IDToken
	p.mu.Unlock()

	if _, err := p.discover(ctx); err != nil {
		return false, err
	}

	if time.Until(p.expiry()) > 0 {
		return true, nil
	}
	if _, err := p.UpdateToken(ctx, 0); err != nil {
		p.log.InfoContext(ctx, "oidcidp.init.refresh.fail", slog.String("err", err.Error()))
		p.forget()
		return false, p.store.Delete(ctx, storage.WithKey(TokenKey))
	}
	return true, nil
}

// Token returns the access token and its expiry. When the token response
// carried no expires_in, the exp claim of a JWT access token is used.
func (p *Provider) Token() (string, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tok == nil {
		return "", time.Time{}
	}
	return p.tok.AccessToken, expiryOf(p.tok)
}

func (p *Provider) expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tok == nil {
		return time.Time{}
	}
	return expiryOf(p.tok)
}

func expiryOf(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// LoadProfile queries the userinfo endpoint.
func (p *Provider) LoadProfile(ctx context.Context) (*session.UserProfile, error) {
	prov, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	tok := p.tok
	p.mu.Unlock()
	if tok == nil {
		return nil, ErrNotSignedIn
	}

	ui, err := prov.UserInfo(p.clientCtx(ctx), oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	var claims struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := ui.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return &session.UserProfile{Subject: ui.Subject, DisplayName: name, Email: ui.Email}, nil
}

// UpdateToken renews the token set when the access token expires within
// minValidity.
func (p *Provider) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	prov, err := p.discover(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	cur := p.tok
	p.mu.Unlock()
	if cur == nil || cur.RefreshToken == "" {
		return false, ErrNoRefreshToken
	}
	if time.Until(expiryOf(cur)) > minValidity {
		return false, nil
	}

	src := p.oauthConfig(prov, "").TokenSource(p.clientCtx(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	next, err := src.Token()
	if err != nil {
		return false, fmt.Errorf("refresh token: %w", err)
	}
	idTok, _ := next.Extra("id_token").(string)

	p.mu.Lock()
	p.tok = next
	if idTok != "" {
		p.idToken = idTok
	}
	p.mu.Unlock()

	if err := p.persist(ctx); err != nil {
		p.log.WarnContext(ctx, "oidcidp.persist.fail", slog.String("err", err.Error()))
	}
	p.log.DebugContext(ctx, "oidcidp.refresh.ok", slog.Time("exp", expiryOf(next)))
	return true, nil
}

// Login runs the authorization-code flow with PKCE and blocks until the
// redirect arrives or ctx ends.
func (p *Provider) Login(ctx context.Context) error {
	prov, err := p.discover(ctx)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.cfg.RedirectPort))
	if err != nil {
		return fmt.Errorf("listen for redirect: %w", err)
	}
	oc := p.oauthConfig(prov, "http://"+ln.Addr().String()+p.cfg.RedirectPath)

	state, err := randomString()
	if err != nil {
		_ = ln.Close()
		return err
	}
	nonce, err := randomString()
	if err != nil {
		_ = ln.Close()
		return err
	}
	verifier := oauth2.GenerateVerifier()

	type result struct {
		tok     *oauth2.Token
		idToken string
		err     error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p.cfg.RedirectPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "Login failed: state mismatch.", http.StatusBadRequest)
			finish(result{err: errors.New("oidcidp: state mismatch on redirect")})
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "Login failed: "+e, http.StatusBadRequest)
			finish(result{err: fmt.Errorf("oidcidp: authorization error %s: %s", e, q.Get("error_description"))})
			return
		}
		tok, err := oc.Exchange(p.clientCtx(r.Context()), q.Get("code"), oauth2.VerifierOption(verifier))
		if err != nil {
			http.Error(w, "Login failed: could not exchange code.", http.StatusBadGateway)
			finish(result{err: fmt.Errorf("exchange code: %w", err)})
			return
		}
		rawID, _ := tok.Extra("id_token").(string)
		if rawID != "" {
			idt, err := p.verifier.Verify(r.Context(), rawID)
			if err != nil {
				http.Error(w, "Login failed: invalid ID token.", http.StatusBadGateway)
				finish(result{err: fmt.Errorf("verify id token: %w", err)})
				return
			}
			if idt.Nonce != nonce {
				http.Error(w, "Login failed: nonce mismatch.", http.StatusBadGateway)
				finish(result{err: errors.New("oidcidp: id token nonce mismatch")})
				return
			}
		}
		_, _ = io.WriteString(w, "Login complete. You can close this window.\n")
		finish(result{tok: tok, idToken: rawID})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	authURL := oc.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce))
	p.log.InfoContext(ctx, "oidcidp.login.redirect", slog.String("url", authURL))
	if err := p.openURL(authURL); err != nil {
		p.log.WarnContext(ctx, "oidcidp.login.open.fail", slog.String("err", err.Error()))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		p.mu.Lock()
		p.tok, p.idToken = res.tok, res.idToken
		p.mu.Unlock()
		if err := p.persist(ctx); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
		return nil
	}
}

// Logout forgets the stored tokens and, when the provider advertises an
// end_session_endpoint, ends the session there with the refresh token.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.Lock()
	tok, idToken := p.tok, p.idToken
	p.mu.Unlock()
	p.forget()

	var errs []error
	if err := p.store.Delete(ctx, storage.WithKey(TokenKey)); err != nil {
		errs = append(errs, fmt.Errorf("delete stored token: %w", err))
	}

	if _, err := p.discover(ctx); err != nil {
		return errors.Join(append(errs, err)...)
	}
	p.discoverMu.Lock()
	endSession := p.endSession
	p.discoverMu.Unlock()
	if endSession == "" || tok == nil {
		return errors.Join(errs...)
	}

	form := url.Values{"client_id": {p.cfg.ClientID}}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if tok.RefreshToken != "" {
		form.Set("refresh_token", tok.RefreshToken)
	}
	if idToken != "" {
		form.Set("id_token_hint", idToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endSession, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("end session: %w", err))...)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		errs = append(errs, fmt.Errorf("end session: unexpected status %d", resp.StatusCode))
	}
	return errors.Join(errs...)
}

func (p *Provider) forget() {
	p.mu.Lock()
	p.tok, p.idToken = nil, ""
	p.mu.Unlock()
}

func (p *Provider) persist(ctx context.Context) error {
	p.mu.Lock()
	st := storedTokens{Token: p.tok, IDToken: p.idToken}
	p.mu.Unlock()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, TokenKey, raw)
}

func randomString() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var _ session.IdentityProvider = (*Provider)(nil)
