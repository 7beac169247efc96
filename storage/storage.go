// Package storage defines the durable key/value store used to persist client
// state (search term, history, results, routing mode), identity-provider
// tokens, and server-side response caches.
//
// Keys live in an optional namespace. A nil namespace is the global space;
// UserNamespace scopes keys to one signed-in principal. Implementations
// assume a single writer per key.
package storage

import (
	"context"
	"time"
)

// Storage is the interface implemented by every backend.
type Storage interface {
	// Get returns the item stored under key, or nil if the key does not exist
	// or has expired. The error is reserved for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes one key (WithKey) or, without WithKey, every key in the
	// selected namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with its bookkeeping.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has passed its expiry.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures a single storage operation.
type Option func(*Options)

// Options is the resolved form of a set of Option values. Backends call
// Resolve rather than reading Option funcs directly.
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

// Resolve applies opts to a zero Options.
func Resolve(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace scopes keys. Only the types in this package implement it.
type Namespace interface {
	namespace()
}

// UserNamespace scopes keys to one user.
type UserNamespace struct {
	UserID string
}

func (UserNamespace) namespace() {}

// WithUser selects the user namespace.
func WithUser(userID string) Option {
	return func(o *Options) { o.Namespace = UserNamespace{UserID: userID} }
}

// WithNamespace selects an already-built namespace; nil means global.
func WithNamespace(ns Namespace) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey names the single key a Delete should remove.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL expires the value after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// FlatKey renders namespace and key into the single string form shared by the
// memory and file backends.
func FlatKey(ns Namespace, key string) string {
	return NamespacePrefix(ns) + key
}

// NamespacePrefix is the FlatKey prefix every key in ns starts with.
func NamespacePrefix(ns Namespace) string {
	switch n := ns.(type) {
	case UserNamespace:
		return "user:" + n.UserID + ":"
	default:
		return "global:"
	}
}
