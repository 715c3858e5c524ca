package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"secure-storage/internal/httputil"
	"secure-storage/internal/platform/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware 為每個請求生成唯一 ID，並作為日誌的 trace_id 後備值
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 優先使用客戶端提供的 Request ID
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}

		c.Set(httputil.RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), requestID))

		c.Next()
	}
}

// GetRequestID 從 context 獲取 Request ID
func GetRequestID(c *gin.Context) string {
	return httputil.RequestID(c)
}
