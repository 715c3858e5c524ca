// Package config translates the platform configuration into the policies
// each security service is constructed with.
package config

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"secure-storage/internal/constants"
	platformcfg "secure-storage/internal/platform/config"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/security/encryption"
	"secure-storage/internal/security/jwt"
	"secure-storage/internal/security/ratelimit"
)

// 審計 sink 類型
const (
	AuditSinkMemory = "memory"
	AuditSinkFile   = "file"
	AuditSinkMongo  = "mongo"
)

// SecurityConfig 安全服務的組合配置
type SecurityConfig struct {
	// 裝置主金鑰在 HardwareKeyManager 中的 id
	DeviceKeyID string

	Rotation  encryption.RotationPolicy
	RateLimit ratelimit.Policy
	// PersistRateLimit 限制狀態寫入受保護存儲，重啟後仍有效
	PersistRateLimit bool

	JWTEnabled bool
	JWT        jwt.Config

	Audit         audit.Config
	AuditSink     string
	AuditFilePath string

	RefreshWindow time.Duration
}

// NewSecurityConfig 回傳預設安全配置
func NewSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		DeviceKeyID: "device.master",
		Rotation:    encryption.DefaultRotationPolicy(),
		RateLimit:   ratelimit.AuthenticationPolicy(),
		JWT: jwt.Config{
			AllowedAlgorithms: []string{jwt.HS256},
		},
		Audit:         audit.DefaultConfig(),
		AuditSink:     AuditSinkMemory,
		RefreshWindow: 5 * time.Minute,
	}
}

// FromPlatform 由平台配置建立安全配置，必要時讀取 JWT 公鑰檔
func FromPlatform(cfg *platformcfg.Config) (*SecurityConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("security config: platform config is nil")
	}
	sec := cfg.Security
	c := NewSecurityConfig()

	if sec.DeviceKeyID != "" {
		c.DeviceKeyID = sec.DeviceKeyID
	}

	c.Rotation = encryption.RotationPolicy{
		Enabled:          sec.Rotation.Enabled,
		MinKeyAge:        sec.Rotation.MinKeyAge,
		MaxKeyAge:        sec.Rotation.MaxKeyAge,
		RotationInterval: sec.Rotation.RotationInterval,
		KeepOldKeys:      sec.Rotation.KeepOldKeys,
	}
	if c.Rotation.KeepOldKeys == 0 {
		c.Rotation.KeepOldKeys = constants.DefaultKeepOldKeys
	}

	c.RateLimit = ratelimit.Policy{
		MaxAttempts:           sec.RateLimit.MaxAttempts,
		TimeWindow:            sec.RateLimit.TimeWindow,
		LockoutDuration:       sec.RateLimit.LockoutDuration,
		MaxLockoutDuration:    sec.RateLimit.MaxLockoutDuration,
		UseExponentialBackoff: sec.RateLimit.UseExponentialBackoff,
		BackoffMultiplier:     sec.RateLimit.BackoffMultiplier,
	}
	if c.RateLimit.MaxAttempts <= 0 {
		c.RateLimit.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.RateLimit.TimeWindow <= 0 {
		c.RateLimit.TimeWindow = constants.DefaultTimeWindowMinutes * time.Minute
	}
	c.PersistRateLimit = sec.RateLimit.Persist

	c.JWTEnabled = sec.JWT.Enabled
	c.JWT = jwt.Config{
		Issuer:            sec.JWT.Issuer,
		Audience:          sec.JWT.Audience,
		AllowedAlgorithms: sec.JWT.AllowedAlgorithms,
		Leeway:            sec.JWT.Leeway,
	}
	if sec.JWT.Secret != "" {
		c.JWT.HMACSecret = []byte(sec.JWT.Secret)
	}
	if sec.JWT.PublicKeyFile != "" {
		pemBytes, err := os.ReadFile(sec.JWT.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("security config: read jwt public key: %w", err)
		}
		pub, err := ParsePublicKeyPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("security config: %w", err)
		}
		c.JWT.PublicKey = pub
	}

	c.Audit = audit.Config{
		Enabled:         sec.Audit.Enabled,
		RetentionPeriod: sec.Audit.RetentionPeriod,
		MaxEntries:      sec.Audit.MaxEntries,
		EncryptExports:  sec.Audit.EncryptExports,
	}
	switch sec.Audit.Sink {
	case "", AuditSinkMemory:
		c.AuditSink = AuditSinkMemory
	case AuditSinkFile:
		if sec.Audit.FilePath == "" {
			return nil, fmt.Errorf("security config: audit file sink requires file_path")
		}
		c.AuditSink = AuditSinkFile
		c.AuditFilePath = sec.Audit.FilePath
	case AuditSinkMongo:
		c.AuditSink = AuditSinkMongo
	default:
		return nil, fmt.Errorf("security config: unsupported audit sink %q", sec.Audit.Sink)
	}

	if sec.Credential.RefreshWindow > 0 {
		c.RefreshWindow = sec.Credential.RefreshWindow
	}
	return c, nil
}

// ParsePublicKeyPEM 解析 RSA 或 EC 公鑰
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if rsaKey, err := jwtlib.ParseRSAPublicKeyFromPEM(data); err == nil {
		return rsaKey, nil
	}
	ecKey, err := jwtlib.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}
	return ecKey, nil
}

// GenerateRSAKeyPair 生成 RSA 密鑰對
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return privateKey, &privateKey.PublicKey, nil
}

// EncodePublicKey 編碼公鑰為 PEM 格式
func EncodePublicKey(publicKey crypto.PublicKey) ([]byte, error) {
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	}), nil
}
