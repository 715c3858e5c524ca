package ratelimit

import (
	"fmt"
	"time"

	"secure-storage/internal/errkind"
)

var (
	// ErrRateLimited 嘗試次數超過上限
	ErrRateLimited = errkind.New(errkind.Policy, "rate limit exceeded")
	// ErrAccountLocked 帳號鎖定中
	ErrAccountLocked = errkind.New(errkind.Policy, "account locked")
)

// RateLimitExceededError 附帶重試時間
type RateLimitExceededError struct {
	RetryAfter time.Duration
	Remaining  int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitExceededError) Unwrap() error { return ErrRateLimited }

// AccountLockedError 附帶解鎖時間
type AccountLockedError struct {
	UnlockAt  time.Time
	Remaining time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.UnlockAt.Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }
