// internal/infra/memory/kv_store.go
package memory

import (
	"context"
	"sync"

	"contractor-dispatch/internal/domain"
)

type entry struct {
	value   []byte
	version int64
}

// KVStore is a process-local domain.KVStore. Versions come from a store-wide
// revision counter, the way etcd mod revisions do.
type KVStore struct {
	mu       sync.RWMutex
	data     map[string]entry
	revision int64
}

// NewKVStore creates an empty in-memory store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]entry)}
}

var _ domain.KVStore = (*KVStore)(nil)

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, 0, nil
	}
	return clone(e.value), e.version, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value)
	return nil
}

func (s *KVStore) CompareAndSet(ctx context.Context, key string, version int64, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[key].version != version {
		return false, nil
	}
	s.put(key, value)
	return true, nil
}

func (s *KVStore) put(key string, value []byte) {
	s.revision++
	s.data[key] = entry{value: clone(value), version: s.revision}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
