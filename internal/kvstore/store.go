// Package kvstore provides the keyed blob persistence every engine state
// store is built on: a file backend with atomic writes and a redis backend,
// plus an idempotent migration between storage scopes.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrInvalidKey = errors.New("kvstore: invalid key")
	ErrClosed     = errors.New("kvstore: store is closed")
)

// Store is the minimal persistence surface: opaque bytes by string key.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
