// Package store is the primary context's durable record store.
//
// Every protocol operation runs inside a single Update transaction: preconditions are
// re-checked and mutations are applied atomically, or the transaction is discarded.
// Two backends are provided: MemoryStore for tests and development, and
// PostgresStore for deployments.
package store

import (
	"context"
)

// Tx is a view of the store inside one transaction. Get returns core.ErrNotFound for
// missing keys.
type Tx interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store runs transactions. Update commits only if fn returns nil.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
