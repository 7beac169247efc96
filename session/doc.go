// Package session owns the single-sign-on session of a dropdesk client.
//
// A Manager wraps an IdentityProvider and is the only writer of the Session
// value: it runs the one-time initialization handshake, exposes the current
// bearer token, refreshes it shortly before expiry and tears the session down
// when a refresh fails. Consumers observe changes through Subscribe rather
// than polling.
//
// Phase transitions:
//
//	Uninitialized -> Initializing -> Authenticated | Unauthenticated
//	Authenticated -> Refreshing -> Authenticated | LoggedOut
//	any -> Authenticated (completed Login)
//	any -> LoggedOut     (Logout)
//
// Login and Logout start redirect flows and return immediately; the phase
// changes once the flow completes.
package session
