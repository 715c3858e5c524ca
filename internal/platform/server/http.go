package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"secure-storage/internal/credential"
	"secure-storage/internal/httputil"
	"secure-storage/internal/platform/health"
	"secure-storage/internal/platform/middleware"
	"secure-storage/internal/securestore"
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 回應含敏感狀態，不可快取
		c.Header("Cache-Control", "no-store")

		c.Header("Referrer-Policy", "no-referrer")

		c.Next()
	}
}

// Router 設定路由
func Router(stack *securestore.Stack) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.RequestMetadataMiddleware())

	healthHandler := health.NewHealthHandler(stack.Config.App.Name, stack.Config.App.Version, stack.Store, stack.Encryption)
	healthHandler.Register(r)

	auth := middleware.NewJWTMiddleware(stack.Validator, stack.Security.JWTEnabled)
	attempts := middleware.NewAttemptLimiter(stack.Limiter)
	h := &handlers{stack: stack}

	v1 := r.Group("/api/v1")
	// 驗證失敗計入嘗試次數，因此限流必須包在 JWT 外層
	v1.POST("/auth/verify", attempts.Middleware(credential.AuthenticationOperation, nil), auth.GinMiddleware(), h.verify)

	protected := v1.Group("", auth.GinMiddleware())
	protected.GET("/credential/status", h.credentialStatus)
	protected.GET("/security/metrics", h.securityMetrics)
	protected.GET("/migrations", h.migrations)

	return r
}

type handlers struct {
	stack *securestore.Stack
}

func (h *handlers) verify(c *gin.Context) {
	tok, ok := middleware.TokenFromContext(c.Request.Context())
	if !ok {
		// JWT 未啟用
		c.JSON(http.StatusOK, gin.H{"success": true, "verified": false})
		return
	}
	resp := gin.H{"success": true, "verified": true, "subject": tok.Subject()}
	if exp := tok.ExpiresAt(); !exp.IsZero() {
		resp["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) credentialStatus(c *gin.Context) {
	ctx := c.Request.Context()
	needsRefresh, err := h.stack.Credential.CredentialsNeedRefresh(ctx)
	switch {
	case err == nil:
	case isNoCredential(err):
		c.JSON(http.StatusOK, gin.H{"success": true, "stored": false})
		return
	default:
		httputil.InternalServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stored": true, "needs_refresh": needsRefresh})
}

func (h *handlers) securityMetrics(c *gin.Context) {
	to := time.Now()
	m, err := h.stack.Audit.SecurityMetrics(c.Request.Context(), to.Add(-24*time.Hour), to)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "metrics": m})
}

func (h *handlers) migrations(c *gin.Context) {
	sessions, err := h.stack.Migration.Sessions(c.Request.Context())
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		valid, invalid, absent := s.Counts()
		out = append(out, gin.H{
			"id":         s.ID,
			"status":     s.Status,
			"dry_run":    s.DryRun,
			"started_at": s.StartedAt,
			"valid":      valid,
			"invalid":    invalid,
			"absent":     absent,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": out})
}
