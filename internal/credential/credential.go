// Package credential is the facade the application session layer talks to.
// Every value is encrypted with the key name as associated data.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"secure-storage/internal/constants"
	"secure-storage/internal/errkind"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/security/encryption"
	"secure-storage/internal/security/jwt"
	"secure-storage/internal/security/migration"
	"secure-storage/internal/security/ratelimit"
	"secure-storage/internal/storage/protected"
)

const (
	credentialKey = constants.CredentialStoreKey

	// AuthenticationOperation 驗證嘗試使用的速率限制操作名稱
	AuthenticationOperation = "authentication"

	// DefaultRefreshWindow 到期前多久開始需要刷新
	DefaultRefreshWindow = 5 * time.Minute

	defaultTokenType = "Bearer"
)

var (
	// ErrNoCredential 尚未保存憑證
	ErrNoCredential = errkind.New(errkind.Storage, "credential: no credential stored")
	// ErrReservedKey 金鑰名稱屬於內部命名空間
	ErrReservedKey = errkind.New(errkind.Format, "credential: reserved key")
	// ErrInvalidCredential 憑證缺少必要欄位
	ErrInvalidCredential = errkind.New(errkind.Format, "credential: invalid credential")
	// ErrNotConfigured 對應的服務未配置
	ErrNotConfigured = errkind.New(errkind.Environment, "credential: service not configured")
)

// Credential API 存取憑證
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId,omitempty"`
	TokenType    string    `json:"tokenType"`
}

// Expired 是否已過期
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Config facade 依賴
type Config struct {
	Store      protected.Store
	Encryption *encryption.Service
	Limiter    *ratelimit.Limiter
	Migration  *migration.Service
	Audit      *audit.Logger

	RefreshWindow time.Duration
	Clock         func() time.Time
}

// Service 憑證與敏感資料 facade
type Service struct {
	store         protected.Store
	enc           *encryption.Service
	limiter       *ratelimit.Limiter
	migrator      *migration.Service
	audit         *audit.Logger
	refreshWindow time.Duration
	now           func() time.Time
}

// New 創建 facade
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Encryption == nil {
		return nil, fmt.Errorf("credential: store and encryption service are required")
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:         cfg.Store,
		enc:           cfg.Encryption,
		limiter:       cfg.Limiter,
		migrator:      cfg.Migration,
		audit:         cfg.Audit,
		refreshWindow: cfg.RefreshWindow,
		now:           cfg.Clock,
	}, nil
}

// StoreCredential 加密保存憑證，覆寫既有憑證
func (s *Service) StoreCredential(ctx context.Context, c Credential) error {
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access token is empty", ErrInvalidCredential)
	}
	if c.TokenType == "" {
		c.TokenType = defaultTokenType
	}
	if err := s.saveCredential(ctx, &c); err != nil {
		return err
	}
	s.record(ctx, audit.EventCredentialCreation, c.UserID, audit.ResultSuccess, "store_credential", nil)
	return nil
}

// StoreTokens 以 expiresIn 計算到期時間後保存
func (s *Service) StoreTokens(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration, userID string) error {
	return s.StoreCredential(ctx, Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().Add(expiresIn),
		UserID:       userID,
		TokenType:    defaultTokenType,
	})
}

// RetrieveCredential 讀取憑證。已過期時回傳 jwt.ErrTokenExpired。
func (s *Service) RetrieveCredential(ctx context.Context) (*Credential, error) {
	c, err := s.loadCredential(ctx)
	if err != nil {
		return nil, err
	}
	if c.Expired(s.now()) {
		s.record(ctx, audit.EventCredentialAccess, c.UserID, audit.ResultDenied, "retrieve_credential", audit.NewDetails(
			"reason", "expired",
		))
		return nil, fmt.Errorf("credential: %w", jwt.ErrTokenExpired)
	}
	s.record(ctx, audit.EventCredentialAccess, c.UserID, audit.ResultSuccess, "retrieve_credential", nil)
	return c, nil
}

// CredentialsNeedRefresh 到期時間在刷新窗口內（或已過期）時回傳 true
func (s *Service) CredentialsNeedRefresh(ctx context.Context) (bool, error) {
	c, err := s.loadCredential(ctx)
	if err != nil {
		return false, err
	}
	return !s.now().Add(s.refreshWindow).Before(c.ExpiresAt), nil
}

// UpdateAccessToken 刷新後原地更新。refreshToken 為空時保留原值。
func (s *Service) UpdateAccessToken(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration) error {
	if accessToken == "" {
		return fmt.Errorf("%w: access token is empty", ErrInvalidCredential)
	}
	c, err := s.loadCredential(ctx)
	if err != nil {
		return err
	}
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	c.ExpiresAt = s.now().Add(expiresIn)
	if err := s.saveCredential(ctx, c); err != nil {
		return err
	}
	s.record(ctx, audit.EventCredentialModified, c.UserID, audit.ResultSuccess, "update_access_token", audit.NewDetails(
		"refresh_replaced", strconv.FormatBool(refreshToken != ""),
	))
	return nil
}

// ClearCredential 刪除憑證（登出）
func (s *Service) ClearCredential(ctx context.Context) error {
	err := s.store.Delete(ctx, credentialKey)
	if err != nil && !errors.Is(err, protected.ErrNotFound) {
		return fmt.Errorf("credential: clear: %w", err)
	}
	s.record(ctx, audit.EventCredentialDeletion, "", audit.ResultSuccess, "clear_credential", nil)
	return nil
}

func (s *Service) saveCredential(ctx context.Context, c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("credential: encode: %w", err)
	}
	defer wipe(raw)
	return s.put(ctx, credentialKey, raw)
}

func (s *Service) loadCredential(ctx context.Context) (*Credential, error) {
	raw, err := s.get(ctx, credentialKey)
	if errors.Is(err, protected.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("credential: decode: %w", err)
	}
	return &c, nil
}

// StoreString 加密保存字串
func (s *Service) StoreString(ctx context.Context, key, value string) error {
	return s.StoreBytes(ctx, key, []byte(value))
}

// RetrieveString 讀取字串，不存在時回傳 protected.ErrNotFound
func (s *Service) RetrieveString(ctx context.Context, key string) (string, error) {
	b, err := s.RetrieveBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StoreBool 加密保存布林值
func (s *Service) StoreBool(ctx context.Context, key string, value bool) error {
	return s.StoreBytes(ctx, key, []byte(strconv.FormatBool(value)))
}

// RetrieveBool 讀取布林值
func (s *Service) RetrieveBool(ctx context.Context, key string) (bool, error) {
	b, err := s.RetrieveBytes(ctx, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(string(b))
	if err != nil {
		return false, fmt.Errorf("credential: %s is not a bool: %w", key, err)
	}
	return v, nil
}

// StoreBytes 加密保存位元組
func (s *Service) StoreBytes(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.put(ctx, key, value); err != nil {
		return err
	}
	s.record(ctx, audit.EventDataModification, "", audit.ResultSuccess, "store", audit.NewDetails("key", key))
	return nil
}

// RetrieveBytes 讀取位元組
func (s *Service) RetrieveBytes(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return s.get(ctx, key)
}

// Delete 刪除單一值
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, protected.ErrNotFound) {
		return fmt.Errorf("credential: delete %s: %w", key, err)
	}
	s.record(ctx, audit.EventDataDeletion, "", audit.ResultSuccess, "delete", audit.NewDetails("key", key))
	return nil
}

func (s *Service) put(ctx context.Context, key string, value []byte) error {
	sealed, err := s.enc.EncryptBytes(ctx, value, []byte(key))
	if err != nil {
		return fmt.Errorf("credential: encrypt %s: %w", key, err)
	}
	if err := s.store.Put(ctx, key, sealed); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	return nil
}

func (s *Service) get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	plain, err := s.enc.DecryptBytes(ctx, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt %s: %w", key, err)
	}
	return plain, nil
}

func checkKey(key string) error {
	if err := protected.ValidateKey(key); err != nil {
		return err
	}
	if constants.IsReserved(key) {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	return nil
}

// CheckAuthAttempt 驗證前檢查是否允許嘗試（不改變狀態）
func (s *Service) CheckAuthAttempt(ctx context.Context, identity string) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{}, ErrNotConfigured
	}
	return s.limiter.CheckLimit(ctx, identity, AuthenticationOperation), nil
}

// RecordAuthAttempt 記錄驗證結果
func (s *Service) RecordAuthAttempt(ctx context.Context, identity string, successful bool) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{}, ErrNotConfigured
	}
	return s.limiter.RecordAttempt(ctx, identity, AuthenticationOperation, successful)
}

// ClearAll 清除憑證與所有應用資料，內部命名空間保留
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("credential: clear all: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if constants.IsReserved(key) {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, protected.ErrNotFound) {
			return removed, fmt.Errorf("credential: clear all: %w", err)
		}
		removed++
	}

	s.record(ctx, audit.EventDataDeletion, "", audit.ResultSuccess, "clear_all", audit.NewDetails(
		"removed", strconv.Itoa(removed),
	))
	logger.Notice(ctx, "all sensitive data cleared",
		logger.WithOperation("credential.clear_all"),
		logger.WithDetails(map[string]interface{}{"removed": removed}))
	return removed, nil
}

// MigrateFromLegacy 把舊存儲中的值遷移到受保護存儲
func (s *Service) MigrateFromLegacy(ctx context.Context, legacy migration.LegacyStore, keys []string) (*migration.Session, error) {
	if s.migrator == nil {
		return nil, ErrNotConfigured
	}
	return s.migrator.Migrate(ctx, keys, migration.Options{Source: legacy})
}

func (s *Service) record(ctx context.Context, et audit.EventType, userID string, result audit.Result, method string, details audit.Details) {
	if userID == "" {
		userID = "app"
	}
	_, _ = s.audit.Log(ctx, et, userID, result, method, details)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
