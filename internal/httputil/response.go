package httputil

import "github.com/gin-gonic/gin"

// RequestIDKey gin context 中 request ID 的鍵
const RequestIDKey = "request_id"

// Error 自定義錯誤結構.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestID 從 gin context 取得 request ID
func RequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// ErrorWithCode 回傳包含錯誤代碼的錯誤回應.
func ErrorWithCode(c *gin.Context, code int, message string) gin.H {
	return gin.H{
		"error":      &Error{Code: code, Message: message},
		"success":    false,
		"request_id": RequestID(c),
	}
}
