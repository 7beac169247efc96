package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Challenge is the status and WWW-Authenticate value sent when a request
// fails authentication.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// AuthenticationRequired is the challenge for a request with no credentials.
func AuthenticationRequired(realm string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s"`, quote(realm)),
	}
}

// InvalidToken is the challenge for a token that failed validation.
func InvalidToken(realm, description string) Challenge {
	return Challenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_token", error_description="%s"`, quote(realm), quote(description)),
	}
}

func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
