package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Policy 速率限制策略
type Policy struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	TimeWindow            time.Duration `mapstructure:"time_window"`
	LockoutDuration       time.Duration `mapstructure:"lockout_duration"`
	MaxLockoutDuration    time.Duration `mapstructure:"max_lockout_duration"`
	UseExponentialBackoff bool          `mapstructure:"use_exponential_backoff"`
	BackoffMultiplier     float64       `mapstructure:"backoff_multiplier"`
	// Unbounded 不做任何限制也不改動狀態，供測試使用
	Unbounded bool `mapstructure:"-"`
}

// AuthenticationPolicy 登入驗證：15 分鐘內 5 次失敗鎖定 30 分鐘
func AuthenticationPolicy() Policy {
	return Policy{
		MaxAttempts:           5,
		TimeWindow:            15 * time.Minute,
		LockoutDuration:       30 * time.Minute,
		MaxLockoutDuration:    24 * time.Hour,
		UseExponentialBackoff: true,
		BackoffMultiplier:     2,
	}
}

// SensitiveOperationPolicy 敏感操作（匯出、清除資料）
func SensitiveOperationPolicy() Policy {
	return Policy{
		MaxAttempts:           3,
		TimeWindow:            5 * time.Minute,
		LockoutDuration:       15 * time.Minute,
		MaxLockoutDuration:    12 * time.Hour,
		UseExponentialBackoff: true,
		BackoffMultiplier:     3,
	}
}

// Unbounded 不限制
func Unbounded() Policy {
	return Policy{Unbounded: true}
}

// Validate 檢查策略
func (p Policy) Validate() error {
	if p.Unbounded {
		return nil
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("ratelimit: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.TimeWindow <= 0 {
		return fmt.Errorf("ratelimit: time window must be positive")
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("ratelimit: lockout duration must be positive")
	}
	if p.UseExponentialBackoff && p.BackoffMultiplier < 1 {
		return fmt.Errorf("ratelimit: backoff multiplier must be >= 1, got %g", p.BackoffMultiplier)
	}
	if p.MaxLockoutDuration > 0 && p.MaxLockoutDuration < p.LockoutDuration {
		return fmt.Errorf("ratelimit: max lockout duration shorter than lockout duration")
	}
	return nil
}

// lockoutFor 第 n 次連續鎖定的時長
func (p Policy) lockoutFor(n int) time.Duration {
	d := p.LockoutDuration
	if p.UseExponentialBackoff && n > 1 {
		// float64(MaxInt64) 實為 2^63，轉回 int64 會溢位，等於上限時直接取最大值
		scaled := float64(d) * math.Pow(p.BackoffMultiplier, float64(n-1))
		if scaled >= float64(math.MaxInt64) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(scaled)
		}
	}
	if p.MaxLockoutDuration > 0 && d > p.MaxLockoutDuration {
		d = p.MaxLockoutDuration
	}
	return d
}
