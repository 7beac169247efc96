package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the token subject.
	UserID() string
	// Claims unmarshals the token claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// BearerToken extracts the token from an Authorization header value. The
// scheme match is case-insensitive; ok is false when the header is not a
// non-empty bearer credential.
func BearerToken(header string) (tok string, ok bool) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(rest)
	return tok, tok != ""
}
