// Package auth verifies bearer tokens on incoming API requests.
//
// An Authenticator turns a raw token into a UserInfo or an error wrapping
// ErrUnauthorized. NewFromDiscovery builds one for an OIDC issuer (for example
// a Keycloak realm URL) and keeps its signing keys fresh:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://idp.example/realms/master")
//	if err != nil { log.Fatal(err) }
//
//	tok, ok := auth.BearerToken(r.Header.Get("Authorization"))
//	if !ok { /* respond with auth.AuthenticationRequired(realm) */ }
//	ui, err := authn.CheckAuthentication(r.Context(), tok)
//
// By default only RS256 is accepted and the audience is not checked; use
// WithAudiences, WithAllowedAlgs, WithAcceptedTypes and WithLeeway to tighten
// the policy.
package auth
