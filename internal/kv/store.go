// Package kv provides the key/value medium shared by the device-local stores and the
// remote service. Values are JSON documents addressed by a flat string key.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidKey indicates that a key is empty or exceeds storage bounds.
var ErrInvalidKey = errors.New("kv: invalid key")

const maxKeyLength = 190

// Store reads and writes JSON-encoded values by key.
type Store interface {
	// Get decodes the value stored under key into dest and reports whether the key exists.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value any) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// AtomicStore is a Store that can create a key only when it is absent, as one operation.
type AtomicStore interface {
	Store
	// PutIfAbsent stores value under key when no value exists and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value any) (bool, error)
}

// Key joins segments with ':' into a storage key.
func Key(segments ...string) string {
	return strings.Join(segments, ":")
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed != key {
		return ErrInvalidKey
	}
	if len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	return nil
}
