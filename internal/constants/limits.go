package constants

import "strings"

// 受保護存儲保留的命名空間，使用者金鑰不可落入其中
const (
	EncryptionPrefix = "encryption."
	KeystorePrefix   = "keystore."
	MigrationPrefix  = "migration."
	RateLimitPrefix  = "ratelimit."
	AuditPrefix      = "audit."
)

// 各服務的固定存儲位置
const (
	KeyringStoreKey   = EncryptionPrefix + "keyring"
	RootKeyStoreKey   = EncryptionPrefix + "root"
	LegacyKeyStoreKey = EncryptionPrefix + "legacy_key"

	MigrationSessionPrefix  = MigrationPrefix + "session."
	MigrationBackupPrefix   = MigrationPrefix + "backup."
	MigrationManifestPrefix = MigrationPrefix + "manifest."

	CredentialStoreKey = "credential.current"
)

// 金鑰與密文相關限制
const (
	MinKeyLength  = 1
	MaxKeyLength  = 256
	KeySize       = 32 // AES-256
	GCMNonceSize  = 12
	GCMTagSize    = 16
	MaxTokenBytes = 8 << 10
)

// 認證嘗試的預設限制
const (
	DefaultMaxAttempts       = 5
	DefaultTimeWindowMinutes = 15
	DefaultKeepOldKeys       = 5
)

// ReservedPrefixes 回傳所有保留命名空間
func ReservedPrefixes() []string {
	return []string{EncryptionPrefix, KeystorePrefix, MigrationPrefix, RateLimitPrefix, AuditPrefix}
}

// IsReserved 判斷金鑰是否屬於內部命名空間
func IsReserved(key string) bool {
	if key == CredentialStoreKey {
		return true
	}
	for _, p := range ReservedPrefixes() {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
