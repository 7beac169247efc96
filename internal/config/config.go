// Package config decodes the environment into the settings used by the
// dropdesk binaries. Defaults live in the struct tags; a .env file in the
// working directory (or the paths passed to Load) is applied first and never
// overrides variables already set in the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Server configures cmd/dropdesk-server.
type Server struct {
	// Addr to listen on. ENV: DROPDESK_ADDR
	Addr string `env:"DROPDESK_ADDR,default=:8080"`

	// ChatBackendURL receives relayed prompts. ENV: STREAM_CHAT_BACKEND_URL
	ChatBackendURL string `env:"STREAM_CHAT_BACKEND_URL,default=http://kong:8000/ms-llm-orchestrator/stream-chat"`
	// SearchURL is the default search target. ENV: SEARCH_DROPS_URL
	SearchURL string `env:"SEARCH_DROPS_URL,default=http://ms-maple-drop-repo:8000/search_drops"`
	// AugmentedSearchURL is used when the caller asks for dev routing. ENV: AUGMENTED_SEARCH_URL
	AugmentedSearchURL string `env:"AUGMENTED_SEARCH_URL,default=http://kong:8000/ms-search-aggregator/search"`
	// ExistenceURL answers alternative-identifier lookups. ENV: EXISTENCE_CHECK_URL
	ExistenceURL string `env:"EXISTENCE_CHECK_URL,default=http://kong:8000/ms-search-aggregator/api/existence-check"`
	// UpdateURL receives record updates. ENV: UPDATE_DROP_URL
	UpdateURL string `env:"UPDATE_DROP_URL,default=http://kong:8000/ms-drop-repo/update_drop"`
	// GetURL serves single records for editing. ENV: GET_DROP_URL
	GetURL string `env:"GET_DROP_URL,default=http://kong:8000/ms-drop-repo/get_drop"`
	// AddURL receives new records. ENV: ADD_DROP_URL
	AddURL string `env:"ADD_DROP_URL,default=http://kong:8000/ms-drop-repo/add_drop"`
	// NamesURL lists every known name. ENV: NAMES_URL
	NamesURL string `env:"NAMES_URL,default=http://kong:8000/ms-name-resolver/api/names/all"`
	// MaxBackendBody caps buffered backend answers, in bytes. ENV: MAX_BACKEND_BODY
	MaxBackendBody int64 `env:"MAX_BACKEND_BODY,default=33554432"`

	// RedisURL enables the shared search cache when set. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL"`
	// CacheKeyPrefix namespaces cache keys in Redis. ENV: CACHE_KEY_PREFIX
	CacheKeyPrefix string `env:"CACHE_KEY_PREFIX,default=dropdesk:"`
	// SearchCacheTTL bounds how long augmented search bodies are reused. ENV: SEARCH_CACHE_TTL
	SearchCacheTTL time.Duration `env:"SEARCH_CACHE_TTL,default=1h"`
	// SearchCacheSize caps the in-process cache when Redis is not configured. ENV: SEARCH_CACHE_SIZE
	SearchCacheSize int `env:"SEARCH_CACHE_SIZE,default=512"`

	// RequireAuth turns on bearer verification for /api routes. ENV: REQUIRE_AUTH
	RequireAuth bool `env:"REQUIRE_AUTH,default=false"`
	// Issuer is the OIDC issuer tokens must come from. ENV: OIDC_ISSUER_URL
	Issuer string `env:"OIDC_ISSUER_URL,default=https://keycloak.mydormroom.dpdns.org/realms/master"`
	// Audience, when set, must appear in the token aud claim. ENV: OIDC_AUDIENCE
	Audience string `env:"OIDC_AUDIENCE"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Client configures cmd/dropdesk.
type Client struct {
	// APIURL is the dropdesk-server base URL. ENV: DROPDESK_API_URL
	APIURL string `env:"DROPDESK_API_URL,default=http://localhost:8080"`

	// Issuer is the OIDC issuer. ENV: OIDC_ISSUER_URL
	Issuer string `env:"OIDC_ISSUER_URL,default=https://keycloak.mydormroom.dpdns.org/realms/master"`
	// ClientID is the public OIDC client. ENV: OIDC_CLIENT_ID
	ClientID string `env:"OIDC_CLIENT_ID,default=mydormroomapp"`
	// RedirectPort for the loopback login listener; 0 picks a free port. ENV: OIDC_REDIRECT_PORT
	RedirectPort int `env:"OIDC_REDIRECT_PORT,default=0"`
	// Scopes requested at login, space or comma separated. ENV: OIDC_SCOPES
	Scopes string `env:"OIDC_SCOPES,default=openid profile email offline_access"`
	// RefreshThreshold is how long before expiry the token is refreshed. ENV: TOKEN_REFRESH_THRESHOLD
	RefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD,default=30s"`

	// StatePath is the file holding persisted client state. Empty means the
	// user config dir. ENV: DROPDESK_STATE
	StatePath string `env:"DROPDESK_STATE"`
	// DefaultTerm is searched once on first use. ENV: DROPDESK_DEFAULT_TERM
	DefaultTerm string `env:"DROPDESK_DEFAULT_TERM,default=Snail"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=warn"`
}

// ScopeList splits Scopes on spaces and commas.
func (c Client) ScopeList() []string {
	return strings.FieldsFunc(c.Scopes, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// Load applies .env files (default ".env") and decodes the environment into
// dst, which must be a pointer to Server or Client. A missing .env file is
// not an error.
func Load(dst any, envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	if err := envdecode.Decode(dst); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// ParseLevel maps a LOG_LEVEL value onto slog. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
