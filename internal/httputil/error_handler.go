package httputil

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"secure-storage/internal/platform/logger"
)

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode int, err error, userMessage string) {
	requestID := RequestID(c)

	// 記錄真實錯誤到日誌（用於調試）
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}
	c.AbortWithStatusJSON(statusCode, ErrorWithCode(c, ErrorCodeProcessingFailed, message))
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"sqlite",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"key",
		"grpc",
		"internal",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(err.Error())
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}
	return true
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, err, "服務器內部錯誤，請稍後再試")
}

// Unauthorized 未授權，code 供客戶端判斷原因
func Unauthorized(c *gin.Context, code int, message string) {
	if message == "" {
		message = "未授權訪問"
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorWithCode(c, code, message))
}

// TooManyAttempts 速率限制或鎖定，附上 Retry-After（秒，無條件進位）
func TooManyAttempts(c *gin.Context, code int, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorWithCode(c, code, "嘗試次數過多，請稍後再試"))
}
