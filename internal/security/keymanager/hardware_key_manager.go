// Package keymanager derives device-bound symmetric keys from asymmetric key
// pairs held by a hardware keystore.
package keymanager

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"secure-storage/internal/errkind"
	"secure-storage/internal/storage/protected"
)

// SymmetricKeySize 衍生對稱金鑰長度 (256 bits)
const SymmetricKeySize = 32

var derivationSalt = []byte("secure-storage/v1")

var (
	// ErrHardwareUnavailable 裝置沒有硬體金鑰庫
	ErrHardwareUnavailable = errkind.New(errkind.Environment, "hardware keystore unavailable")
	// ErrKeyExists 金鑰已存在
	ErrKeyExists = errkind.New(errkind.Storage, "hardware key already exists")
	// ErrKeyNotFound 金鑰不存在
	ErrKeyNotFound = errkind.New(errkind.Storage, "hardware key not found")
	// ErrDerivationMismatch 重新衍生的金鑰與快取不一致
	ErrDerivationMismatch = errkind.New(errkind.Integrity, "derived key mismatch")
)

// HardwareKeyManager 管理硬體金鑰對並提供確定性的對稱金鑰
type HardwareKeyManager struct {
	keystore Keystore

	mu    sync.RWMutex
	cache map[string][]byte // id -> 衍生的對稱金鑰
}

// NewHardwareKeyManager 創建金鑰管理器
func NewHardwareKeyManager(ks Keystore) *HardwareKeyManager {
	if ks == nil {
		ks = UnavailableKeystore{}
	}
	return &HardwareKeyManager{
		keystore: ks,
		cache:    make(map[string][]byte),
	}
}

// Available 是否有可用的硬體金鑰庫
func (m *HardwareKeyManager) Available() bool {
	return m.keystore.Available()
}

// GenerateKey 在 id 下建立新的金鑰對
func (m *HardwareKeyManager) GenerateKey(ctx context.Context, id string) error {
	if err := protected.ValidateKey(id); err != nil {
		return err
	}
	if !m.keystore.Available() {
		return ErrHardwareUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.keystore.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrKeyExists, id)
	}
	if err := m.keystore.Generate(ctx, id); err != nil {
		return fmt.Errorf("generate key %s: %w", id, err)
	}
	return nil
}

// HasKey 只檢查是否存在，不建立任何狀態
func (m *HardwareKeyManager) HasKey(ctx context.Context, id string) (bool, error) {
	if err := protected.ValidateKey(id); err != nil {
		return false, err
	}
	if !m.keystore.Available() {
		return false, nil
	}
	return m.keystore.Exists(ctx, id)
}

// SymmetricKey 回傳 id 的衍生對稱金鑰副本
// 使用 Double-Check Locking 避免重複衍生
func (m *HardwareKeyManager) SymmetricKey(ctx context.Context, id string) ([]byte, error) {
	if err := protected.ValidateKey(id); err != nil {
		return nil, err
	}
	if !m.keystore.Available() {
		return nil, ErrHardwareUnavailable
	}

	m.mu.RLock()
	key, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return clone(key), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.cache[id]; ok {
		return clone(key), nil
	}

	key, err := m.derive(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache[id] = key
	return clone(key), nil
}

// Rotate 以新的金鑰對取代舊的，並清除快取的衍生金鑰
func (m *HardwareKeyManager) Rotate(ctx context.Context, id string) ([]byte, error) {
	if err := protected.ValidateKey(id); err != nil {
		return nil, err
	}
	if !m.keystore.Available() {
		return nil, ErrHardwareUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.keystore.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	if old, ok := m.cache[id]; ok {
		zero(old)
		delete(m.cache, id)
	}

	if err := m.keystore.Generate(ctx, id); err != nil {
		return nil, fmt.Errorf("rotate key %s: %w", id, err)
	}

	key, err := m.derive(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache[id] = key
	return clone(key), nil
}

// PublicKeyBytes 回傳未壓縮格式公鑰
func (m *HardwareKeyManager) PublicKeyBytes(ctx context.Context, id string) ([]byte, error) {
	if err := protected.ValidateKey(id); err != nil {
		return nil, err
	}
	if !m.keystore.Available() {
		return nil, ErrHardwareUnavailable
	}
	return m.keystore.PublicKey(ctx, id)
}

// Delete 刪除 id 的金鑰對，不影響其他 id
func (m *HardwareKeyManager) Delete(ctx context.Context, id string) error {
	if err := protected.ValidateKey(id); err != nil {
		return err
	}
	if !m.keystore.Available() {
		return ErrHardwareUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.cache[id]; ok {
		zero(old)
		delete(m.cache, id)
	}
	return m.keystore.Delete(ctx, id)
}

// VerifyDerivation 不經快取重新衍生並比對
func (m *HardwareKeyManager) VerifyDerivation(ctx context.Context, id string) error {
	cached, err := m.SymmetricKey(ctx, id)
	if err != nil {
		return err
	}
	defer zero(cached)

	m.mu.RLock()
	fresh, err := m.derive(ctx, id)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	defer zero(fresh)

	if subtle.ConstantTimeCompare(cached, fresh) != 1 {
		return ErrDerivationMismatch
	}
	return nil
}

// derive HKDF-SHA256(ECDH(priv, pub))，呼叫端須持有鎖
func (m *HardwareKeyManager) derive(ctx context.Context, id string) ([]byte, error) {
	pub, err := m.keystore.PublicKey(ctx, id)
	if err != nil {
		return nil, err
	}
	shared, err := m.keystore.Agree(ctx, id, pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement for %s: %w", id, err)
	}
	defer zero(shared)

	key := make([]byte, SymmetricKeySize)
	r := hkdf.New(sha256.New, shared, derivationSalt, []byte(id))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation for %s: %w", id, err)
	}
	return key, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
