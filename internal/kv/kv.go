// Package kv defines the durable key-value storage primitive underneath
// the entity repository. Implementations include a quota-limited in-memory
// store (the default, emulating browser local storage) and PostgreSQL
// (durable across processes).
package kv

import (
	"context"
	"errors"
)

// ErrCapacityExceeded is returned by Set when a write would push the store
// past its quota. The write is dropped and the prior value is preserved.
var ErrCapacityExceeded = errors.New("kv: storage capacity exceeded")

// Store is the persistence primitive. Get reports ok=false for a missing
// key; Set replaces the value atomically or fails without side effects.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
