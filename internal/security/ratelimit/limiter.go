// Package ratelimit tracks failed attempts per identity and operation and
// enforces escalating lockouts.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"secure-storage/internal/constants"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/storage/protected"
)

const storePrefix = constants.RateLimitPrefix

// DecisionKind 限制狀態
type DecisionKind int

const (
	Allowed DecisionKind = iota
	Limited
	Locked
)

func (k DecisionKind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case Limited:
		return "limited"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Decision CheckLimit / RecordAttempt 的結果
type Decision struct {
	Kind       DecisionKind
	Remaining  int           // 剩餘可嘗試次數
	RetryAfter time.Duration // Limited / Locked
	UnlockAt   time.Time     // Locked
}

// Allowed 是否允許嘗試
func (d Decision) Allowed() bool { return d.Kind == Allowed }

// State 每個 (identity, operation) 的狀態
type State struct {
	FailureCount        int       `json:"failureCount"`
	WindowStart         time.Time `json:"windowStart"`
	LockoutUntil        time.Time `json:"lockoutUntil,omitempty"`
	ConsecutiveLockouts int       `json:"consecutiveLockouts"`
}

type stateKey struct {
	identity  string
	operation string
}

// Limiter 速率限制器
type Limiter struct {
	defaultPolicy Policy
	policies      map[string]Policy

	store protected.Store // 可選，保存狀態以跨程序重啟
	audit *audit.Logger
	now   func() time.Time

	mu     sync.RWMutex
	states map[stateKey]*State
}

// Option Limiter 選項
type Option func(*Limiter)

// WithStore 持久化狀態
func WithStore(s protected.Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithAudit 記錄驗證事件
func WithAudit(a *audit.Logger) Option {
	return func(l *Limiter) { l.audit = a }
}

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPolicy 指定操作的策略
func WithPolicy(operation string, p Policy) Option {
	return func(l *Limiter) { l.policies[operation] = p }
}

// New 創建速率限制器
func New(defaultPolicy Policy, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		defaultPolicy: defaultPolicy,
		policies:      make(map[string]Policy),
		now:           time.Now,
		states:        make(map[stateKey]*State),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := defaultPolicy.Validate(); err != nil {
		return nil, err
	}
	for op, p := range l.policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w (operation %s)", err, op)
		}
	}
	return l, nil
}

// SetPolicy 設定或取代操作的策略
func (l *Limiter) SetPolicy(operation string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.policies[operation] = p
	l.mu.Unlock()
	return nil
}

func (l *Limiter) policyFor(operation string) Policy {
	if p, ok := l.policies[operation]; ok {
		return p
	}
	return l.defaultPolicy
}

// CheckLimit 只讀取狀態，不做任何變更
func (l *Limiter) CheckLimit(ctx context.Context, identity, operation string) Decision {
	l.mu.RLock()
	p := l.policyFor(operation)
	var st State
	cur, ok := l.states[stateKey{identity, operation}]
	if ok {
		st = *cur
	}
	l.mu.RUnlock()

	if p.Unbounded {
		return Decision{Kind: Allowed, Remaining: p.MaxAttempts}
	}
	if !ok {
		loaded, found := l.load(ctx, identity, operation)
		if !found {
			return Decision{Kind: Allowed, Remaining: p.MaxAttempts}
		}
		st = *loaded
	}
	return evaluate(p, &st, l.now())
}

func evaluate(p Policy, st *State, now time.Time) Decision {
	if !st.LockoutUntil.IsZero() {
		if now.Before(st.LockoutUntil) {
			return Decision{Kind: Locked, RetryAfter: st.LockoutUntil.Sub(now), UnlockAt: st.LockoutUntil}
		}
		return Decision{Kind: Allowed, Remaining: p.MaxAttempts}
	}
	windowEnd := st.WindowStart.Add(p.TimeWindow)
	if !now.Before(windowEnd) {
		return Decision{Kind: Allowed, Remaining: p.MaxAttempts}
	}
	if st.FailureCount >= p.MaxAttempts {
		// 達到門檻後 Remaining 固定為 0
		return Decision{Kind: Limited, RetryAfter: windowEnd.Sub(now)}
	}
	return Decision{Kind: Allowed, Remaining: p.MaxAttempts - st.FailureCount}
}

// RecordAttempt 檢查並記錄一次嘗試，兩者在同一把鎖內完成，持久化也在鎖內以維持寫入順序。
// 嘗試本身不被允許時回傳 *RateLimitExceededError 或 *AccountLockedError。
func (l *Limiter) RecordAttempt(ctx context.Context, identity, operation string, successful bool) (Decision, error) {
	l.mu.Lock()
	p := l.policyFor(operation)
	if p.Unbounded {
		l.mu.Unlock()
		return Decision{Kind: Allowed, Remaining: p.MaxAttempts}, nil
	}

	key := stateKey{identity, operation}
	now := l.now()
	st, ok := l.states[key]
	if !ok {
		if loaded, found := l.load(ctx, identity, operation); found {
			st = loaded
		} else {
			st = &State{WindowStart: now}
		}
		l.states[key] = st
	}

	// 1. 鎖定中
	if !st.LockoutUntil.IsZero() && now.Before(st.LockoutUntil) {
		locked := &AccountLockedError{UnlockAt: st.LockoutUntil, Remaining: st.LockoutUntil.Sub(now)}
		l.mu.Unlock()
		l.record(ctx, audit.EventAccountLockout, identity, operation, audit.ResultDenied, "attempt_while_locked")
		return Decision{Kind: Locked, RetryAfter: locked.Remaining, UnlockAt: locked.UnlockAt}, locked
	}

	// 2. 鎖定結束或時間窗口過期，重新計數（保留連續鎖定次數）
	if !st.LockoutUntil.IsZero() || !now.Before(st.WindowStart.Add(p.TimeWindow)) {
		st.LockoutUntil = time.Time{}
		st.FailureCount = 0
		st.WindowStart = now
	}

	// 3. 已達上限，升級為鎖定
	if st.FailureCount >= p.MaxAttempts {
		st.ConsecutiveLockouts++
		duration := p.lockoutFor(st.ConsecutiveLockouts)
		st.LockoutUntil = now.Add(duration)
		snapshot := *st
		l.persist(ctx, identity, operation, &snapshot)
		l.mu.Unlock()

		l.record(ctx, audit.EventAccountLockout, identity, operation, audit.ResultDenied,
			"lockout", "consecutive_lockouts", strconv.Itoa(snapshot.ConsecutiveLockouts), "duration", duration.String())
		logger.Warning(ctx, "attempt limit reached, identity locked",
			logger.WithUserID(identity),
			logger.WithOperation(operation),
			logger.WithDetails(map[string]interface{}{
				"consecutive_lockouts": snapshot.ConsecutiveLockouts,
				"duration":             duration.String(),
			}))

		decision := Decision{Kind: Locked, RetryAfter: duration, UnlockAt: snapshot.LockoutUntil}
		if snapshot.ConsecutiveLockouts >= 2 {
			return decision, &AccountLockedError{UnlockAt: snapshot.LockoutUntil, Remaining: duration}
		}
		return decision, &RateLimitExceededError{RetryAfter: duration}
	}

	// 4. 成功即重置
	if successful {
		delete(l.states, key)
		l.forget(ctx, identity, operation)
		l.mu.Unlock()
		l.record(ctx, audit.EventAuthenticationSuccess, identity, operation, audit.ResultSuccess, "")
		return Decision{Kind: Allowed, Remaining: p.MaxAttempts}, nil
	}

	// 5. 失敗計數
	st.FailureCount++
	snapshot := *st
	decision := evaluate(p, &snapshot, now)
	l.persist(ctx, identity, operation, &snapshot)
	l.mu.Unlock()

	l.record(ctx, audit.EventAuthenticationFailure, identity, operation, audit.ResultFailure,
		"", "failure_count", strconv.Itoa(snapshot.FailureCount))
	return decision, nil
}

// State 取得目前狀態（檢查用）
func (l *Limiter) State(identity, operation string) (State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.states[stateKey{identity, operation}]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Reset 清除單一操作的狀態
func (l *Limiter) Reset(ctx context.Context, identity, operation string) {
	l.mu.Lock()
	delete(l.states, stateKey{identity, operation})
	l.forget(ctx, identity, operation)
	l.mu.Unlock()
}

// ResetIdentity 清除 identity 所有操作的狀態
func (l *Limiter) ResetIdentity(ctx context.Context, identity string) error {
	l.mu.Lock()
	for k := range l.states {
		if k.identity == identity {
			delete(l.states, k)
		}
	}
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	if _, err := protected.Wipe(ctx, l.store, storePrefix+digest(identity)+"."); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", identity, err)
	}
	return nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// storeKey identity 與 operation 都經雜湊，存儲中不出現原始識別
func storeKey(identity, operation string) string {
	return storePrefix + digest(identity) + "." + digest(operation)
}

func (l *Limiter) load(ctx context.Context, identity, operation string) (*State, bool) {
	if l.store == nil {
		return nil, false
	}
	raw, err := l.store.Get(ctx, storeKey(identity, operation))
	if err != nil {
		if !errors.Is(err, protected.ErrNotFound) {
			logger.Warning(ctx, "failed to load rate limit state",
				logger.WithOperation(operation),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
		return nil, false
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		logger.Warning(ctx, "corrupted rate limit state ignored", logger.WithOperation(operation))
		return nil, false
	}
	return &st, true
}

func (l *Limiter) persist(ctx context.Context, identity, operation string, st *State) {
	if l.store == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err == nil {
		err = l.store.Put(ctx, storeKey(identity, operation), raw)
	}
	if err != nil {
		logger.Warning(ctx, "failed to persist rate limit state",
			logger.WithOperation(operation),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

func (l *Limiter) forget(ctx context.Context, identity, operation string) {
	if l.store == nil {
		return
	}
	if err := l.store.Delete(ctx, storeKey(identity, operation)); err != nil && !errors.Is(err, protected.ErrNotFound) {
		logger.Warning(ctx, "failed to delete rate limit state",
			logger.WithOperation(operation),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

func (l *Limiter) record(ctx context.Context, et audit.EventType, identity, operation string, result audit.Result, reason string, kv ...string) {
	details := audit.NewDetails(kv...)
	details.Set("operation", operation)
	if reason != "" {
		details.Set("reason", reason)
	}
	_, _ = l.audit.Log(ctx, et, identity, result, operation, details)
}
