// Package webapi is the dropdesk HTTP surface: the chat relay plus thin
// forwarders for search, existence checks, name lookup and the record
// read, add and update calls.
//
// Every /api route forwards the caller's Authorization header to its
// backend. When an authenticator is configured the handler also verifies the
// bearer itself and answers 401 before any backend is contacted.
package webapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/dropdesk/auth"
	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/internal/logctx"
	"github.com/ggoodman/dropdesk/relay"
	"github.com/ggoodman/dropdesk/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	devModeHeader         = "X-Dev-Mode"
	requestIDHeader       = "X-Request-Id"

	msgInternal         = "Internal Server Error"
	msgQueryRequired    = "Query parameter 'query' is required."
	msgIDRequired       = "Drop ID is required"
	msgInvalidJSON      = "Invalid JSON body"
	msgUpdateFailed     = "Error updating data in backend"
	msgAddFailed        = "Failed to add new item"
	msgNotAuthenticated = "Not authenticated"

	defaultRealm = "dropdesk"

	// DefaultMaxBackendBody caps how much of a backend answer is buffered.
	DefaultMaxBackendBody = 32 << 20
)

// Endpoints are the backend targets the handler forwards to.
type Endpoints struct {
	// Chat receives relayed prompts.
	Chat string
	// Search is queried as Search?query=<term>.
	Search string
	// AugmentedSearch is queried as AugmentedSearch/<term> for dev-mode callers.
	AugmentedSearch string
	// Existence is queried as Existence/<term>.
	Existence string
	// Update receives PUT Update/<id>.
	Update string
	// Get is queried as Get/<id>.
	Get string
	// Add receives POST Add.
	Add string
	// Names answers the full name list.
	Names string
}

// Option configures a Handler.
type Option func(*config)

type config struct {
	log      *slog.Logger
	client   *http.Client
	authn    auth.Authenticator
	realm    string
	cache    storage.Storage
	cacheTTL time.Duration
	registry *prometheus.Registry
	maxBody  int64
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHTTPClient sets the client used for every backend call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithAuthenticator requires a valid bearer token on every /api route.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.authn = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// WithSearchCache reuses successful augmented-search bodies for ttl.
func WithSearchCache(s storage.Storage, ttl time.Duration) Option {
	return func(c *config) {
		c.cache = s
		c.cacheTTL = ttl
	}
}

// WithMetrics registers request metrics with reg and serves them on
// GET /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithMaxBackendBody sets how many bytes of a backend answer the forwarders
// accept. A longer answer is a 500 and is never cached.
func WithMaxBackendBody(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// Handler routes the dropdesk API.
type Handler struct {
	mux      *http.ServeMux
	ep       Endpoints
	log      *slog.Logger
	client   *http.Client
	authn    auth.Authenticator
	realm    string
	cache    storage.Storage
	cacheTTL time.Duration
	metrics  *metrics
	maxBody  int64
}

// New builds the handler. Empty endpoints leave their routes answering 500.
func New(ep Endpoints, opts ...Option) *Handler {
	cfg := &config{
		log:     slog.Default(),
		client:  http.DefaultClient,
		realm:   defaultRealm,
		maxBody: DefaultMaxBackendBody,
	}
	for _, o := range opts {
		o(cfg)
	}

	h := &Handler{
		mux:      http.NewServeMux(),
		ep:       ep,
		log:      cfg.log,
		client:   cfg.client,
		authn:    cfg.authn,
		realm:    cfg.realm,
		cache:    cfg.cache,
		cacheTTL: cfg.cacheTTL,
		metrics:  newMetrics(cfg.registry),
		maxBody:  cfg.maxBody,
	}

	chat := relay.New(ep.Chat, relay.WithLogger(cfg.log), relay.WithHTTPClient(cfg.client))

	h.mux.Handle("POST /api/chat", h.api("chat", chat))
	h.mux.Handle("GET /api/search_drops", h.api("search", http.HandlerFunc(h.handleSearch)))
	h.mux.Handle("GET /api/existence-check/{name}", h.api("existence", http.HandlerFunc(h.handleExistence)))
	h.mux.Handle("PUT /api/update_drop/{id}", h.api("update", http.HandlerFunc(h.handleUpdate)))
	h.mux.Handle("PUT /api/update_drop/{$}", h.api("update", http.HandlerFunc(h.handleUpdate)))
	h.mux.Handle("GET /api/get_drop/{id}", h.api("get", http.HandlerFunc(h.handleGet)))
	h.mux.Handle("GET /api/get_drop/{$}", h.api("get", http.HandlerFunc(h.handleGet)))
	h.mux.Handle("POST /api/add_drop", h.api("add", http.HandlerFunc(h.handleAdd)))
	h.mux.Handle("GET /api/names/all", h.api("names", http.HandlerFunc(h.handleNames)))
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.registry != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// api wraps an /api route with bearer verification and metrics.
func (h *Handler) api(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { h.metrics.observe(route, rec.status, time.Since(start)) }()

		if h.authn != nil {
			r = h.authenticate(rec, r)
			if r == nil {
				return
			}
		}
		next.ServeHTTP(rec, r)
	})
}

// authenticate returns r with user data on its context, or nil after writing
// a 401.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *http.Request {
	ctx := r.Context()
	tok, ok := auth.BearerToken(r.Header.Get(authorizationHeader))
	if !ok {
		h.log.InfoContext(ctx, "http.auth.missing")
		h.challenge(w, auth.AuthenticationRequired(h.realm))
		return nil
	}
	user, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		h.log.InfoContext(ctx, "http.auth.fail", slog.String("err", err.Error()))
		h.challenge(w, auth.InvalidToken(h.realm, "the access token is invalid"))
		return nil
	}
	return r.WithContext(logctx.WithUserData(ctx, &logctx.UserData{Subject: user.UserID()}))
}

func (h *Handler) challenge(w http.ResponseWriter, c auth.Challenge) {
	w.Header().Set(wwwAuthenticateHeader, c.WWWAuthenticate)
	writeJSONError(w, c.Status, msgNotAuthenticated)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits the {"detail": msg} shape every API error uses.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, dropapi.ErrorBody{Detail: msg})
}

// statusRecorder remembers the status for metrics. It forwards Flush so the
// chat relay can still stream through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
