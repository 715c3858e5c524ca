package httputil

// API 錯誤代碼常數.
const (
	// 1000-1999: 認證相關錯誤 (401 Unauthorized).
	ErrorCodeMissingAuthHeader = 1001
	ErrorCodeInvalidAuthFormat = 1002
	ErrorCodeInvalidAuthHeader = 1003
	ErrorCodeTokenExpired      = 1004
	ErrorCodeTokenNotYetValid  = 1005
	ErrorCodeInvalidSignature  = 1006
	ErrorCodeInvalidClaims     = 1007
	ErrorCodeUnsupportedAlg    = 1008

	// 3000-3999: 速率限制 (429 Too Many Requests).
	ErrorCodeRateLimited   = 3001
	ErrorCodeAccountLocked = 3002

	// 5000-5999: 處理相關錯誤 (500 Internal Server Error).
	ErrorCodeProcessingFailed = 5001
)
