package encryption

import (
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/storage/protected"
)

// LegacyPrefix 舊版軟體金鑰加密的值：legacy: + base64(nonce24 || XChaCha20-Poly1305 密文)
const LegacyPrefix = "legacy:"

// LegacyMigrationResult 舊格式遷移結果
type LegacyMigrationResult struct {
	LegacyKeyFound   bool     `json:"legacyKeyFound"`
	Migrated         int      `json:"migrated"`
	AlreadyCurrent   int      `json:"alreadyCurrent"`
	Missing          int      `json:"missing"`
	Failed           int      `json:"failed"`
	FailedKeys       []string `json:"failedKeys,omitempty"`
	LegacyKeyRemoved bool     `json:"legacyKeyRemoved"`
}

// HasLegacyKey 是否仍有舊版軟體金鑰
func (s *Service) HasLegacyKey(ctx context.Context) (bool, error) {
	return s.store.Exists(ctx, legacyStoreKey)
}

// MigrateLegacyEncryption 以目前版本重新加密 keys 中的舊格式值。
// 只有在每個 key 都確認遷移後才刪除舊金鑰。
func (s *Service) MigrateLegacyEncryption(ctx context.Context, keys []string) (*LegacyMigrationResult, error) {
	result := &LegacyMigrationResult{}

	legacyKey, err := s.store.Get(ctx, legacyStoreKey)
	if errors.Is(err, protected.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("encryption: read legacy key: %w", err)
	}
	defer zero(legacyKey)
	result.LegacyKeyFound = true

	aead, err := chacha20poly1305.NewX(legacyKey)
	if err != nil {
		return nil, fmt.Errorf("encryption: legacy key: %w", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ok, err := s.migrateLegacyValue(ctx, aead, key, result)
		if err != nil {
			return result, err
		}
		if !ok {
			result.Failed++
			result.FailedKeys = append(result.FailedKeys, key)
		}
	}

	if result.Failed == 0 {
		if err := s.store.Delete(ctx, legacyStoreKey); err != nil && !errors.Is(err, protected.ErrNotFound) {
			return result, fmt.Errorf("encryption: remove legacy key: %w", err)
		}
		result.LegacyKeyRemoved = true
		_, _ = s.audit.Log(ctx, audit.EventKeyDeletion, "system", audit.ResultSuccess, "legacy_migration", audit.NewDetails(
			"key", "legacy",
		))
	}

	outcome := audit.ResultSuccess
	if result.Failed > 0 {
		outcome = audit.ResultFailure
	}
	_, _ = s.audit.Log(ctx, audit.EventDataMigration, "system", outcome, "legacy_encryption", audit.NewDetails(
		"migrated", strconv.Itoa(result.Migrated),
		"failed", strconv.Itoa(result.Failed),
		"legacy_key_removed", strconv.FormatBool(result.LegacyKeyRemoved),
	))
	logger.Info(ctx, "legacy encryption migration finished",
		logger.WithOperation("encryption.migrate_legacy"),
		logger.WithDetails(map[string]interface{}{
			"migrated":        result.Migrated,
			"already_current": result.AlreadyCurrent,
			"missing":         result.Missing,
			"failed":          result.Failed,
		}))
	return result, nil
}

// migrateLegacyValue 回傳 false 表示此 key 未能確認遷移；error 只用於存儲錯誤
func (s *Service) migrateLegacyValue(ctx context.Context, legacy cipher.AEAD, key string, result *LegacyMigrationResult) (bool, error) {
	if err := protected.ValidateKey(key); err != nil {
		return false, nil
	}

	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, protected.ErrNotFound) {
		result.Missing++
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("encryption: read %s: %w", key, err)
	}
	if !bytes.HasPrefix(raw, []byte(LegacyPrefix)) {
		result.AlreadyCurrent++
		return true, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(raw), LegacyPrefix))
	if err != nil || len(sealed) < legacy.NonceSize()+legacy.Overhead() {
		s.legacyFailure(ctx, key, "malformed")
		return false, nil
	}
	plaintext, err := legacy.Open(nil, sealed[:legacy.NonceSize()], sealed[legacy.NonceSize():], nil)
	if err != nil {
		s.legacyFailure(ctx, key, "authentication_failed")
		return false, nil
	}
	defer zero(plaintext)

	aad := []byte(key)
	migrated, err := s.EncryptBytes(ctx, plaintext, aad)
	if err != nil {
		return false, err
	}
	if err := s.store.Put(ctx, key, migrated); err != nil {
		return false, fmt.Errorf("encryption: write %s: %w", key, err)
	}

	// 重新讀回並解密確認
	reread, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("encryption: verify %s: %w", key, err)
	}
	check, err := s.DecryptBytes(ctx, reread, aad)
	if err != nil || !bytes.Equal(check, plaintext) {
		s.legacyFailure(ctx, key, "verification_failed")
		return false, nil
	}
	zero(check)
	result.Migrated++
	return true, nil
}

func (s *Service) legacyFailure(ctx context.Context, key, reason string) {
	_, _ = s.audit.Log(ctx, audit.EventSecurityViolation, "system", audit.ResultFailure, "legacy_migration", audit.NewDetails(
		"key", key,
		"reason", reason,
	))
	logger.Warning(ctx, "legacy value could not be migrated",
		logger.WithOperation("encryption.migrate_legacy"),
		logger.WithDetails(map[string]interface{}{"key": key, "reason": reason}))
}
