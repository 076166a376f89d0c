package kvstore

import (
	"errors"
)

var (
	// ErrNotFound is returned by a Backend when a key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded is returned when a write would push the backend over its byte quota
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Op is a single mutation applied as part of an atomic batch
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Backend is a quota-limited byte store keyed by string
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(key string) ([]byte, error)

	// Apply performs every op atomically. If the resulting size would exceed the
	// quota, ErrQuotaExceeded is returned and nothing is written.
	Apply(ops ...Op) error

	// Keys lists every key that starts with prefix, in byte order
	Keys(prefix string) ([]string, error)

	// Size returns the number of bytes currently used by keys and values
	Size() int64

	// Quota returns the byte limit, or 0 when unlimited
	Quota() int64

	Close() error
}

// entrySize is the accounting unit used for quota checks
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
