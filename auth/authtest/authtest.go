// Package authtest provides in-memory authenticators for handler tests.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/dropdesk/auth"
)

// Tokens accepts exactly the tokens in its map, each resolving to the mapped
// subject.
type Tokens map[string]string

// CheckAuthentication implements auth.Authenticator.
func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	sub, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return userInfo{sub: sub}, nil
}

type userInfo struct {
	sub string
}

func (u userInfo) UserID() string { return u.sub }

func (u userInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.sub})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = Tokens(nil)
