// Package gateway is the single path outbound API calls take. It attaches the
// session's bearer token and turns a missing token or a 401 answer into a
// login redirect plus a sentinel error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

var (
	// ErrNoToken is returned without any network call when the session holds
	// no token. A login flow has been started.
	ErrNoToken = errors.New("no token available, redirecting to login")
	// ErrSessionExpired is returned when the backend answered 401. A login
	// flow has been started.
	ErrSessionExpired = errors.New("session expired, redirecting to login")
)

// IsAuthError reports whether err is ErrNoToken or ErrSessionExpired.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoToken) || errors.Is(err, ErrSessionExpired)
}

// TokenSource is the part of session.Manager the gateway needs.
type TokenSource interface {
	Token() string
	Login(ctx context.Context)
	WaitReady(ctx context.Context) error
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options describe one request.
type Options struct {
	Method string // default GET
	Body   io.Reader
	Header http.Header
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(c Doer) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// Gateway sends authenticated requests on behalf of one session.
type Gateway struct {
	tokens TokenSource
	client Doer
	log    *slog.Logger
}

// New returns a Gateway drawing tokens from tokens.
func New(tokens TokenSource, opts ...Option) *Gateway {
	g := &Gateway{tokens: tokens, client: http.DefaultClient, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Do sends the request with the session bearer token. Caller headers are
// kept except Authorization, which the gateway always sets. A non-401
// response is returned as-is and the caller must close its body.
func (g *Gateway) Do(ctx context.Context, target string, opts Options) (*http.Response, error) {
	if err := g.tokens.WaitReady(ctx); err != nil {
		return nil, err
	}

	tok := g.tokens.Token()
	if tok == "" {
		g.log.WarnContext(ctx, "gateway.no_token", slog.String("target", target))
		g.tokens.Login(ctx)
		return nil, ErrNoToken
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, opts.Body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		g.log.WarnContext(ctx, "gateway.unauthorized", slog.String("target", target))
		g.tokens.Login(ctx)
		return nil, ErrSessionExpired
	}
	return resp, nil
}
