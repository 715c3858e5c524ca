package keymanager

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"secure-storage/internal/constants"
	"secure-storage/internal/storage/protected"
)

// Keystore 硬體金鑰庫後端，私鑰不離開後端，只提供 ECDH 協商
type Keystore interface {
	Available() bool
	// Generate 建立或取代 id 對應的 P-256 金鑰對
	Generate(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	// PublicKey 回傳未壓縮格式的公鑰
	PublicKey(ctx context.Context, id string) ([]byte, error)
	// Agree 以 id 的私鑰與 peer 公鑰進行 ECDH
	Agree(ctx context.Context, id string, peer []byte) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

const keystorePrefix = constants.KeystorePrefix

// SoftwareEnclave 以 P-256 模擬硬體隔離的金鑰庫，私鑰存在 ProtectedStore
type SoftwareEnclave struct {
	store protected.Store
	mu    sync.Mutex
}

// NewSoftwareEnclave 創建軟體金鑰庫
func NewSoftwareEnclave(store protected.Store) *SoftwareEnclave {
	return &SoftwareEnclave{store: store}
}

func (e *SoftwareEnclave) Available() bool { return true }

func (e *SoftwareEnclave) Generate(ctx context.Context, id string) error {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("key generation error: %w", err)
	}
	raw := priv.Bytes()
	defer zero(raw)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Put(ctx, keystorePrefix+id, raw)
}

func (e *SoftwareEnclave) Exists(ctx context.Context, id string) (bool, error) {
	return e.store.Exists(ctx, keystorePrefix+id)
}

func (e *SoftwareEnclave) PublicKey(ctx context.Context, id string) ([]byte, error) {
	priv, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

func (e *SoftwareEnclave) Agree(ctx context.Context, id string, peer []byte) ([]byte, error) {
	priv, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.P256().NewPublicKey(peer)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	return priv.ECDH(pub)
}

func (e *SoftwareEnclave) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Delete(ctx, keystorePrefix+id)
}

func (e *SoftwareEnclave) load(ctx context.Context, id string) (*ecdh.PrivateKey, error) {
	raw, err := e.store.Get(ctx, keystorePrefix+id)
	if errors.Is(err, protected.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer zero(raw)

	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupted private key %s: %w", id, err)
	}
	return priv, nil
}

// UnavailableKeystore 沒有硬體金鑰庫的裝置
type UnavailableKeystore struct{}

func (UnavailableKeystore) Available() bool { return false }

func (UnavailableKeystore) Generate(context.Context, string) error { return ErrHardwareUnavailable }

func (UnavailableKeystore) Exists(context.Context, string) (bool, error) { return false, nil }

func (UnavailableKeystore) PublicKey(context.Context, string) ([]byte, error) {
	return nil, ErrHardwareUnavailable
}

func (UnavailableKeystore) Agree(context.Context, string, []byte) ([]byte, error) {
	return nil, ErrHardwareUnavailable
}

func (UnavailableKeystore) Delete(context.Context, string) error { return ErrHardwareUnavailable }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
