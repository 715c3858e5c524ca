package encryption

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"secure-storage/internal/constants"
	"secure-storage/internal/storage/protected"
)

// 不存放 payload 的內部命名空間。migration.backup 仍需掃描
var unreferencedPrefixes = []string{
	constants.EncryptionPrefix,
	constants.KeystorePrefix,
	constants.RateLimitPrefix,
	constants.MigrationSessionPrefix,
	constants.MigrationManifestPrefix,
}

// referencedVersions 掃描存儲中的密文，回傳仍被引用的金鑰版本
func (s *Service) referencedVersions(ctx context.Context) (map[uint32]bool, error) {
	keys, err := s.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	refs := make(map[uint32]bool)
	for _, key := range keys {
		if skipRetentionScan(key) {
			continue
		}
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, protected.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if v, ok := payloadVersion(raw); ok {
			refs[v] = true
		}
	}
	return refs, nil
}

func skipRetentionScan(key string) bool {
	for _, prefix := range unreferencedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// payloadVersion 支援二進位與 v1: 字串兩種格式，舊版值不計
func payloadVersion(raw []byte) (uint32, bool) {
	if bytes.HasPrefix(raw, []byte(LegacyPrefix)) {
		return 0, false
	}
	if bytes.HasPrefix(raw, []byte(stringPrefix)) {
		decoded, err := base64.StdEncoding.DecodeString(string(raw[len(stringPrefix):]))
		if err != nil {
			return 0, false
		}
		raw = decoded
	}
	p, err := ParsePayload(raw)
	if err != nil {
		return 0, false
	}
	return p.Version, true
}
