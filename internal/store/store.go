// Package store provides the secure key-value storage used to carry client
// state across process restarts.
package store

import "errors"

// ErrNotFound is returned by Get when a key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// Store persists string values keyed by name. Keys are independent:
// implementations must allow concurrent use of distinct keys without
// cross-key locking. Delete of an absent key is not an error.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}
