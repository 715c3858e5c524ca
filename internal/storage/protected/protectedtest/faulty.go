// Package protectedtest provides store decorators for exercising failure paths.
package protectedtest

import (
	"context"
	"fmt"
	"sync"

	"secure-storage/internal/storage/protected"
)

// FaultyStore 在成功 N 次 Put 之後開始回傳 protected.ErrUnavailable
type FaultyStore struct {
	protected.Store

	mu        sync.Mutex
	remaining int
	failing   bool
	match     func(key string) bool
}

// FailPutsAfter 包裝 inner，允許 n 次 Put 成功後持續失敗
func FailPutsAfter(inner protected.Store, n int) *FaultyStore {
	return &FaultyStore{Store: inner, remaining: n}
}

// OnlyKeys 只對符合條件的金鑰計數與注入錯誤
func (s *FaultyStore) OnlyKeys(match func(key string) bool) *FaultyStore {
	s.mu.Lock()
	s.match = match
	s.mu.Unlock()
	return s
}

// Heal 停止注入錯誤
func (s *FaultyStore) Heal() {
	s.mu.Lock()
	s.failing = false
	s.remaining = -1
	s.mu.Unlock()
}

func (s *FaultyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.match == nil || s.match(key) {
		switch {
		case s.failing:
			s.mu.Unlock()
			return fmt.Errorf("storage: put %s: %w", key, protected.ErrUnavailable)
		case s.remaining == 0:
			s.failing = true
			s.mu.Unlock()
			return fmt.Errorf("storage: put %s: %w", key, protected.ErrUnavailable)
		case s.remaining > 0:
			s.remaining--
		}
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, key, value)
}
