package jwt

import (
	"fmt"
	"strings"

	"secure-storage/internal/errkind"
)

var (
	ErrInvalidFormat        = errkind.New(errkind.Format, "jwt: invalid token format")
	ErrInvalidHeader        = errkind.New(errkind.Format, "jwt: invalid header")
	ErrInvalidPayload       = errkind.New(errkind.Format, "jwt: invalid payload")
	ErrMissingExpiration    = errkind.New(errkind.Format, "jwt: missing exp claim")
	ErrUnsupportedAlgorithm = errkind.New(errkind.Format, "jwt: unsupported algorithm")
	ErrInvalidSignature     = errkind.New(errkind.Integrity, "jwt: invalid signature")
	ErrInvalidIssuer        = errkind.New(errkind.Integrity, "jwt: invalid issuer")
	ErrInvalidAudience      = errkind.New(errkind.Integrity, "jwt: invalid audience")
	// ErrTokenExpired 憑證層共用此錯誤表示存取權杖已過期
	ErrTokenExpired     = errkind.New(errkind.Policy, "jwt: token expired")
	ErrTokenNotYetValid = errkind.New(errkind.Policy, "jwt: token not yet valid")
)

// UnsupportedAlgorithmError alg 不在允許清單中（none 永遠不允許）
type UnsupportedAlgorithmError struct {
	Name string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("jwt: unsupported algorithm %q", e.Name)
}

func (e *UnsupportedAlgorithmError) Unwrap() error { return ErrUnsupportedAlgorithm }

// InvalidIssuerError 發行者不符
type InvalidIssuerError struct {
	Expected string
	Actual   string
}

func (e *InvalidIssuerError) Error() string {
	return fmt.Sprintf("jwt: invalid issuer: expected %q, got %q", e.Expected, e.Actual)
}

func (e *InvalidIssuerError) Unwrap() error { return ErrInvalidIssuer }

// InvalidAudienceError 受眾不含預期值
type InvalidAudienceError struct {
	Expected string
	Actual   []string
}

func (e *InvalidAudienceError) Error() string {
	return fmt.Sprintf("jwt: invalid audience: expected %q, got [%s]", e.Expected, strings.Join(e.Actual, ", "))
}

func (e *InvalidAudienceError) Unwrap() error { return ErrInvalidAudience }
