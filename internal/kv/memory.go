package kv

import (
	"context"
	"sync"
)

// DefaultQuota is the byte budget of the in-memory store, matching the
// conventional 5 MiB local-storage limit the simulation emulates.
const DefaultQuota = 5 << 20

// MemoryStore implements Store with a quota-limited in-memory map. Used as
// the default backend and in tests. Capacity is accounted as the sum of
// key and value lengths across live entries; a write that would exceed the
// quota is rejected whole, leaving the previous value in place.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]string
	used  int
	quota int
}

// NewMemoryStore creates a store with DefaultQuota.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithQuota(DefaultQuota)
}

// NewMemoryStoreWithQuota creates a store with an explicit byte quota.
// quota <= 0 disables the limit.
func NewMemoryStoreWithQuota(quota int) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]string),
		quota: quota,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := len(key) + len(value)
	if prev, ok := s.data[key]; ok {
		delta -= len(key) + len(prev)
	}
	if s.quota > 0 && s.used+delta > s.quota {
		return ErrCapacityExceeded
	}

	s.data[key] = value
	s.used += delta
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.data[key]; ok {
		s.used -= len(key) + len(prev)
		delete(s.data, key)
	}
	return nil
}

// Used returns the current byte usage. Exposed for capacity diagnostics.
func (s *MemoryStore) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
