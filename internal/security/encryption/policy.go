package encryption

import (
	"context"
	"fmt"
	"time"

	"secure-storage/internal/errkind"
)

// ErrRotationOverdue 金鑰已超過最長使用期限且輪換失敗
var ErrRotationOverdue = errkind.New(errkind.Policy, "key rotation overdue")

// RotationPolicy 金鑰輪換策略
type RotationPolicy struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinKeyAge        time.Duration `mapstructure:"min_key_age"`
	MaxKeyAge        time.Duration `mapstructure:"max_key_age"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	KeepOldKeys      int           `mapstructure:"keep_old_keys"` // <= 0 保留全部
}

// DefaultRotationPolicy 預設每 24 小時輪換，最長 30 天，保留 5 個舊版本
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Enabled:          true,
		MinKeyAge:        time.Hour,
		MaxKeyAge:        30 * 24 * time.Hour,
		RotationInterval: 24 * time.Hour,
		KeepOldKeys:      5,
	}
}

// RotationStatus 目前金鑰的輪換狀態
type RotationStatus struct {
	CurrentVersion uint32        `json:"currentVersion"`
	KeyAge         time.Duration `json:"keyAge"`
	Needed         bool          `json:"needed"`
	Overdue        bool          `json:"overdue"`
	NextRotation   time.Time     `json:"nextRotation,omitempty"`
}

func (p RotationPolicy) needed(age time.Duration) bool {
	return p.Enabled && p.RotationInterval > 0 && age >= p.RotationInterval && age >= p.MinKeyAge
}

func (p RotationPolicy) overdue(age time.Duration) bool {
	return p.MaxKeyAge > 0 && age > p.MaxKeyAge
}

func (s *Service) currentAge() (uint32, time.Time, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	created := s.versions[s.current].meta.CreatedAt
	return s.current, created, s.now().Sub(created)
}

// IsRotationNeeded 金鑰年齡同時達到輪換間隔與最短年齡
func (s *Service) IsRotationNeeded() bool {
	_, _, age := s.currentAge()
	return s.policy.needed(age)
}

// IsRotationOverdue 金鑰年齡超過最長期限
func (s *Service) IsRotationOverdue() bool {
	_, _, age := s.currentAge()
	return s.policy.overdue(age)
}

// RotationStatus 回傳輪換狀態快照
func (s *Service) RotationStatus() RotationStatus {
	version, created, age := s.currentAge()
	st := RotationStatus{
		CurrentVersion: version,
		KeyAge:         age,
		Needed:         s.policy.needed(age),
		Overdue:        s.policy.overdue(age),
	}
	if s.policy.Enabled && s.policy.RotationInterval > 0 {
		next := s.policy.RotationInterval
		if s.policy.MinKeyAge > next {
			next = s.policy.MinKeyAge
		}
		st.NextRotation = created.Add(next)
	}
	return st
}

// RotateIfNeeded 在需要時輪換，沒有背景排程，由呼叫端決定時機
func (s *Service) RotateIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	age := s.now().Sub(s.versions[s.current].meta.CreatedAt)
	overdue := s.policy.overdue(age)
	if !s.policy.needed(age) && !(s.policy.Enabled && overdue) {
		s.mu.Unlock()
		return false, nil
	}

	reason := "scheduled"
	if overdue {
		reason = "overdue"
	}
	result, err := s.rotateLocked(ctx, reason)
	s.mu.Unlock()
	if err != nil {
		if overdue {
			return false, fmt.Errorf("%w: %w", ErrRotationOverdue, err)
		}
		return false, err
	}
	s.auditRotation(ctx, result)
	return true, nil
}
