// Package errkind classifies errors raised by the security services so callers
// can decide between rejecting input, alerting, retrying later, or degrading.
package errkind

import "errors"

// Kind 錯誤分類
type Kind int

const (
	Unknown Kind = iota
	// Format 格式錯誤（金鑰名、token、payload 格式不正確），不應重試
	Format
	// Integrity 驗證或完整性錯誤（簽章、解密標籤、校驗和不符）
	Integrity
	// Policy 容量或策略限制（速率限制、鎖定、輪替逾期），附帶時間資訊
	Policy
	// Environment 環境錯誤（無硬體金鑰庫），應降級處理
	Environment
	// Storage 存儲錯誤，呼叫端可自行重試
	Storage
)

func (k Kind) String() string {
	switch k {
	case Format:
		return "format"
	case Integrity:
		return "integrity"
	case Policy:
		return "policy"
	case Environment:
		return "environment"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error 帶分類的 sentinel 錯誤
type Error struct {
	kind Kind
	msg  string
}

// New 建立帶分類的錯誤
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind 回傳分類
func (e *Error) Kind() Kind { return e.kind }

type kinded interface {
	Kind() Kind
}

// Of 沿著 wrap 鏈找出第一個帶分類的錯誤
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}

// Is 判斷錯誤是否屬於指定分類
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
