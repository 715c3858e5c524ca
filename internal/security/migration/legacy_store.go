package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"secure-storage/internal/storage/protected"
)

// LegacyStore 未受保護的來源存儲。缺少的 key 回傳 protected.ErrNotFound，
// 因此任何 protected.Store 也可以直接當作來源。
type LegacyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// MapLegacyStore 記憶體內的來源存儲
type MapLegacyStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMapLegacyStore 以初始內容建立
func NewMapLegacyStore(initial map[string]string) *MapLegacyStore {
	s := &MapLegacyStore{items: make(map[string][]byte, len(initial))}
	for k, v := range initial {
		s.items[k] = []byte(v)
	}
	return s
}

func (s *MapLegacyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("legacy: get %s: %w", key, protected.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (s *MapLegacyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.items[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *MapLegacyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MapLegacyStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.items[key]
	s.mu.RUnlock()
	return ok, nil
}

// Keys 目前所有 key（排序）
func (s *MapLegacyStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
