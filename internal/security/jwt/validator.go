// Package jwt decodes and validates JSON Web Tokens against a fixed
// algorithm allow-list and expected issuer and audience.
package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"secure-storage/internal/constants"
)

// MaxTokenSize 超過此長度直接視為格式錯誤
const MaxTokenSize = constants.MaxTokenBytes

// 支援的演算法
const (
	HS256 = "HS256"
	RS256 = "RS256"
	ES256 = "ES256"
)

// MinHMACSecretSize HS256 共享密鑰下限
const MinHMACSecretSize = 32

// Config 驗證器配置
type Config struct {
	Issuer            string
	Audience          string
	AllowedAlgorithms []string
	HMACSecret        []byte
	PublicKey         crypto.PublicKey
	Leeway            time.Duration
	Clock             func() time.Time
}

// Header JWT header
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

// Token 解碼後的 token
type Token struct {
	Raw       string
	Header    Header
	Claims    *jwtlib.RegisteredClaims
	Signature []byte

	signingString string
}

type verifier struct {
	method jwtlib.SigningMethod
	key    interface{}
}

// Validator 無狀態的 JWT 驗證器，可並行使用
type Validator struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time

	parser    *jwtlib.Parser
	verifiers map[string]verifier
}

// NewValidator 檢查配置並建立驗證器
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("jwt: issuer and audience are required")
	}
	if len(cfg.AllowedAlgorithms) == 0 {
		return nil, fmt.Errorf("jwt: no allowed algorithms configured")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	v := &Validator{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		leeway:    cfg.Leeway,
		now:       cfg.Clock,
		parser:    jwtlib.NewParser(),
		verifiers: make(map[string]verifier),
	}

	for _, alg := range cfg.AllowedAlgorithms {
		switch alg {
		case HS256:
			if len(cfg.HMACSecret) < MinHMACSecretSize {
				return nil, fmt.Errorf("jwt: HS256 secret must be at least %d bytes", MinHMACSecretSize)
			}
			secret := append([]byte(nil), cfg.HMACSecret...)
			v.verifiers[alg] = verifier{method: jwtlib.SigningMethodHS256, key: secret}
		case RS256:
			pub, ok := cfg.PublicKey.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("jwt: RS256 requires an RSA public key, got %T", cfg.PublicKey)
			}
			v.verifiers[alg] = verifier{method: jwtlib.SigningMethodRS256, key: pub}
		case ES256:
			pub, ok := cfg.PublicKey.(*ecdsa.PublicKey)
			if !ok || pub.Curve != elliptic.P256() {
				return nil, fmt.Errorf("jwt: ES256 requires a P-256 ECDSA public key, got %T", cfg.PublicKey)
			}
			v.verifiers[alg] = verifier{method: jwtlib.SigningMethodES256, key: pub}
		default:
			return nil, &UnsupportedAlgorithmError{Name: alg}
		}
	}
	return v, nil
}

// Decode 檢查格式與演算法並解析 claims，不驗證簽章
func (v *Validator) Decode(raw string) (*Token, error) {
	// 1. 格式
	if raw == "" || len(raw) > MaxTokenSize {
		return nil, ErrInvalidFormat
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidFormat
	}

	tok := &Token{Raw: raw, signingString: parts[0] + "." + parts[1]}

	headerJSON, err := v.parser.DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if err := json.Unmarshal(headerJSON, &tok.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if tok.Header.Alg == "" {
		return nil, fmt.Errorf("%w: missing alg", ErrInvalidHeader)
	}
	if !strings.EqualFold(tok.Header.Typ, "JWT") {
		return nil, fmt.Errorf("%w: typ %q", ErrInvalidHeader, tok.Header.Typ)
	}

	payloadJSON, err := v.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	claims := &jwtlib.RegisteredClaims{}
	if err := json.Unmarshal(payloadJSON, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	tok.Claims = claims

	tok.Signature, err = v.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidFormat, err)
	}

	// 2. 演算法白名單
	if _, ok := v.verifiers[tok.Header.Alg]; !ok {
		return nil, &UnsupportedAlgorithmError{Name: tok.Header.Alg}
	}

	// 必要 claims
	if claims.ExpiresAt == nil {
		return nil, ErrMissingExpiration
	}
	if claims.Issuer == "" {
		return nil, fmt.Errorf("%w: missing iss", ErrInvalidPayload)
	}
	if len(claims.Audience) == 0 {
		return nil, fmt.Errorf("%w: missing aud", ErrInvalidPayload)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidPayload)
	}
	return tok, nil
}

// Validate 執行完整流程。格式與演算法檢查之後，簽章與 claims 一律都會檢查，
// 錯誤依 過期 > 簽章 > 尚未生效 > 發行者 > 受眾 的順序回報。
func (v *Validator) Validate(raw string) (*Token, error) {
	tok, err := v.Decode(raw)
	if err != nil {
		return nil, err
	}

	// 3. 簽章
	ver := v.verifiers[tok.Header.Alg]
	sigErr := ver.method.Verify(tok.signingString, tok.Signature, ver.key)

	// 4. claims
	now := v.now()
	claims := tok.Claims
	expired := !now.Before(claims.ExpiresAt.Time.Add(v.leeway))
	notYetValid := claims.NotBefore != nil && now.Add(v.leeway).Before(claims.NotBefore.Time)
	issuerOK := claims.Issuer == v.issuer
	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == v.audience {
			audienceOK = true
		}
	}

	switch {
	case expired:
		return nil, ErrTokenExpired
	case sigErr != nil:
		return nil, ErrInvalidSignature
	case notYetValid:
		return nil, ErrTokenNotYetValid
	case !issuerOK:
		return nil, &InvalidIssuerError{Expected: v.issuer, Actual: claims.Issuer}
	case !audienceOK:
		return nil, &InvalidAudienceError{Expected: v.audience, Actual: []string(claims.Audience)}
	}
	return tok, nil
}

// Subject sub claim
func (t *Token) Subject() string {
	if t == nil || t.Claims == nil {
		return ""
	}
	return t.Claims.Subject
}

// ExpiresAt exp claim
func (t *Token) ExpiresAt() time.Time {
	if t == nil || t.Claims == nil || t.Claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.Claims.ExpiresAt.Time
}
