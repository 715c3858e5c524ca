package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"secure-storage/internal/httputil"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/ratelimit"
)

// IdentityFunc 從請求取得限流身分
type IdentityFunc func(c *gin.Context) string

// ClientIPIdentity 以客戶端 IP 作為身分
func ClientIPIdentity(c *gin.Context) string {
	return GetClientIP(c)
}

// AttemptLimiter 把 ratelimit.Limiter 接到驗證類端點
type AttemptLimiter struct {
	limiter *ratelimit.Limiter
}

// NewAttemptLimiter 創建嘗試次數限制中間件
func NewAttemptLimiter(l *ratelimit.Limiter) *AttemptLimiter {
	return &AttemptLimiter{limiter: l}
}

// Middleware 處理前檢查限制，處理後依回應狀態記錄這次嘗試。
// 401/403 視為失敗，2xx/3xx 視為成功，其他狀態不計入。
func (a *AttemptLimiter) Middleware(operation string, identity IdentityFunc) gin.HandlerFunc {
	if identity == nil {
		identity = ClientIPIdentity
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := identity(c)
		if id == "" {
			c.Next()
			return
		}

		decision := a.limiter.CheckLimit(ctx, id, operation)
		if !decision.Allowed() {
			reject(c, decision)
			return
		}

		c.Next()

		code := c.Writer.Status()
		var successful bool
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			successful = false
		case code < http.StatusBadRequest:
			successful = true
		default:
			return
		}

		if _, err := a.limiter.RecordAttempt(ctx, id, operation, successful); err != nil {
			var locked *ratelimit.AccountLockedError
			var limited *ratelimit.RateLimitExceededError
			if !errors.As(err, &locked) && !errors.As(err, &limited) {
				logger.Warning(ctx, "failed to record attempt",
					logger.WithOperation(operation),
					logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			}
		}
	}
}

func reject(c *gin.Context, d ratelimit.Decision) {
	code := httputil.ErrorCodeRateLimited
	if d.Kind == ratelimit.Locked {
		code = httputil.ErrorCodeAccountLocked
	}
	httputil.TooManyAttempts(c, code, d.RetryAfter)
}
