package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cloudx-io/adexchange/core"
)

var errReadOnly = errors.New("store: write in read-only transaction")

// MemoryStore keeps records in process memory. Writers are serialized, so every Update
// observes the effects of all earlier Updates and none of a concurrent one.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{base: s.data, readOnly: true})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s.data, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for key, value := range tx.writes {
		s.data[key] = value
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	base     map[string][]byte
	writes   map[string][]byte
	readOnly bool
}

func (tx *memoryTx) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value, ok := tx.writes[key]; ok {
		return cloneBytes(value), nil
	}
	if value, ok := tx.base[key]; ok {
		return cloneBytes(value), nil
	}
	return nil, core.ErrNotFound
}

func (tx *memoryTx) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.readOnly {
		return errReadOnly
	}
	tx.writes[key] = cloneBytes(value)
	return nil
}

func (tx *memoryTx) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for key := range tx.base {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	for key := range tx.writes {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
