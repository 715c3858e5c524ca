// Package protected provides the key-addressed byte store that every security
// service persists through. Keys are validated before any backend is touched.
package protected

import (
	"context"
	"fmt"

	"secure-storage/internal/constants"
	"secure-storage/internal/errkind"
)

// 金鑰名稱長度限制
const (
	MinKeyLength = constants.MinKeyLength
	MaxKeyLength = constants.MaxKeyLength
)

var (
	// ErrInvalidKey 金鑰名稱不合法
	ErrInvalidKey = errkind.New(errkind.Format, "invalid storage key")
	// ErrNotFound 金鑰不存在
	ErrNotFound = errkind.New(errkind.Storage, "storage key not found")
	// ErrUnavailable 後端不可用（連線、磁碟等系統性錯誤）
	ErrUnavailable = errkind.New(errkind.Storage, "storage backend unavailable")
)

// Store 受保護的位元組存儲
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys 列出指定前綴下的所有金鑰，依字典序排序
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey 檢查金鑰名稱：1-256 字元，僅允許英數字與 _ - .
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d out of range", ErrInvalidKey, len(key))
	}
	for i := 0; i < len(key); i++ {
		if !validKeyChar(key[i]) {
			return fmt.Errorf("%w: illegal character at %d", ErrInvalidKey, i)
		}
	}
	return nil
}

// validatePrefix 前綴允許為空，非空時字元集與金鑰相同
func validatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	return ValidateKey(prefix)
}

func validKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '.':
		return true
	}
	return false
}

// Wipe 刪除前綴下的所有金鑰，回傳刪除數量
func Wipe(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func wrap(op, key string, err error) error {
	return fmt.Errorf("storage: %s %s: %w", op, key, err)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
