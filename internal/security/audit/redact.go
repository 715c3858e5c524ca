package audit

import (
	"regexp"
	"strings"
)

// Redacted 遮蔽後的替代值
const Redacted = "[REDACTED]"

// Details 事件詳細資訊，寫入時即完成遮蔽
type Details map[string]string

// SensitiveField 已知敏感欄位名稱
type SensitiveField string

const (
	FieldPassword     SensitiveField = "password"
	FieldToken        SensitiveField = "token"
	FieldAccessToken  SensitiveField = "access_token"
	FieldRefreshToken SensitiveField = "refresh_token"
	FieldAPIKey       SensitiveField = "api_key"
	FieldSecret       SensitiveField = "secret"
	FieldPrivateKey   SensitiveField = "private_key"
	FieldCreditCard   SensitiveField = "credit_card"
	FieldSSN          SensitiveField = "ssn"
	FieldPIN          SensitiveField = "pin"
	FieldAuth         SensitiveField = "authorization"
)

var sensitiveFields = map[string]struct{}{}

// 只要欄位名稱包含以下片段即視為敏感
var sensitiveFragments = []string{"password", "passwd", "token", "secret", "apikey", "privatekey", "creditcard", "cardnumber"}

func init() {
	for _, f := range []SensitiveField{
		FieldPassword, FieldToken, FieldAccessToken, FieldRefreshToken, FieldAPIKey,
		FieldSecret, FieldPrivateKey, FieldCreditCard, FieldSSN, FieldPIN, FieldAuth,
	} {
		sensitiveFields[normalizeField(string(f))] = struct{}{}
	}
}

var valuePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// key=value 形式的內嵌敏感值
	{regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|token|secret)\s*[=:]\s*\S+`), "${1}=" + Redacted},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer " + Redacted},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`), Redacted},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Redacted},
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), Redacted},
}

func normalizeField(name string) string {
	name = strings.ToLower(name)
	name = strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(name)
	return name
}

// IsSensitiveField 欄位名稱是否屬於敏感欄位
func IsSensitiveField(name string) bool {
	n := normalizeField(name)
	if _, ok := sensitiveFields[n]; ok {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(n, frag) {
			return true
		}
	}
	return false
}

// RedactValue 以樣式遮蔽自由文字中的卡號、SSN、token 等
func RedactValue(v string) string {
	for _, p := range valuePatterns {
		v = p.re.ReplaceAllString(v, p.repl)
	}
	return v
}

func redactEntry(key, value string) string {
	if IsSensitiveField(key) {
		return Redacted
	}
	return RedactValue(value)
}

// Set 寫入並遮蔽，回傳自身以便鏈式呼叫
func (d Details) Set(key, value string) Details {
	d[key] = redactEntry(key, value)
	return d
}

// SetSensitive 敏感欄位一律遮蔽
func (d Details) SetSensitive(field SensitiveField) Details {
	d[string(field)] = Redacted
	return d
}

// Redact 回傳遮蔽後的副本
func (d Details) Redact() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = redactEntry(k, v)
	}
	return out
}

// NewDetails 由成對的 key, value 建立
func NewDetails(kv ...string) Details {
	d := make(Details, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i], kv[i+1])
	}
	return d
}
