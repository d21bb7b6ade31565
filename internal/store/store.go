// Package store provides the durable client-side key-value store the
// reconciliation core persists into. Keys and values are opaque strings;
// there are no transactions, no expiry and no size bound. Callers must
// treat a failing store as a cache miss, never as a user-visible error.
package store

import "errors"

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a synchronous string key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set writes value under key, overwriting any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns all keys in lexicographic order. The order is an
	// implementation detail callers must not build semantics on, but a
	// deterministic order keeps fallback scans reproducible.
	Keys() ([]string, error)

	// Close releases underlying resources.
	Close() error
}
