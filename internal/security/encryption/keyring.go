package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/awnumar/memguard"

	"secure-storage/internal/constants"
	"secure-storage/internal/security/keymanager"
	"secure-storage/internal/storage/protected"
)

// 存儲金鑰
const (
	keyringStoreKey = constants.KeyringStoreKey
	rootStoreKey    = constants.RootKeyStoreKey
	legacyStoreKey  = constants.LegacyKeyStoreKey
)

// KeySize AES-256 金鑰長度
const KeySize = constants.KeySize

// Status 金鑰版本狀態
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Source 金鑰來源
type Source string

const (
	SourceHardware Source = "hardware"
	SourceSoftware Source = "software"
)

// KeyVersion 金鑰版本的中繼資料，金鑰本身不對外暴露
type KeyVersion struct {
	Version   uint32    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Source    Source    `json:"source"`
	Pinned    bool      `json:"pinned,omitempty"`
}

// keyVersion 記憶體中的版本，金鑰存於 memguard enclave
type keyVersion struct {
	meta    KeyVersion
	enclave *memguard.Enclave
}

// keyringDocument 持久化格式，金鑰以包裝金鑰 AES-GCM 封裝
type keyringDocument struct {
	Current     uint32          `json:"current"`
	NextVersion uint32          `json:"nextVersion"`
	Versions    []storedVersion `json:"versions"`
}

type storedVersion struct {
	KeyVersion
	Wrapped []byte `json:"wrapped"`
}

// withKey 開啟 enclave 後的金鑰只在 fn 內有效
func (kv *keyVersion) withKey(fn func(key []byte) error) error {
	buf, err := kv.enclave.Open()
	if err != nil {
		return fmt.Errorf("open key enclave v%d: %w", kv.meta.Version, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func newKeyVersion(meta KeyVersion, material []byte) *keyVersion {
	// NewEnclave 會抹除 material
	return &keyVersion{meta: meta, enclave: memguard.NewEnclave(material)}
}

// wrappingKey 取得包裝金鑰：有硬體時由硬體衍生，否則使用軟體根金鑰
func (s *Service) wrappingKey(ctx context.Context, create bool) ([]byte, error) {
	if s.hkm.Available() {
		id := s.deviceKeyID + ".wrap"
		ok, err := s.hkm.HasKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !create {
				return nil, fmt.Errorf("%w: %s", keymanager.ErrKeyNotFound, id)
			}
			if err := s.hkm.GenerateKey(ctx, id); err != nil {
				return nil, err
			}
		}
		return s.hkm.SymmetricKey(ctx, id)
	}

	root, err := s.store.Get(ctx, rootStoreKey)
	if errors.Is(err, protected.ErrNotFound) && create {
		root = make([]byte, KeySize)
		if _, err := rand.Read(root); err != nil {
			return nil, fmt.Errorf("root key generation error: %w", err)
		}
		if err := s.store.Put(ctx, rootStoreKey, root); err != nil {
			return nil, err
		}
		return root, nil
	}
	if err != nil {
		return nil, err
	}
	return root, nil
}

// loadKeyring 回傳 false 表示尚未建立
func (s *Service) loadKeyring(ctx context.Context) (bool, error) {
	raw, err := s.store.Get(ctx, keyringStoreKey)
	if errors.Is(err, protected.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var doc keyringDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("corrupted keyring: %w", err)
	}

	wrapKey, err := s.wrappingKey(ctx, false)
	if err != nil {
		return false, fmt.Errorf("keyring wrapping key: %w", err)
	}
	defer zero(wrapKey)

	versions := make(map[uint32]*keyVersion, len(doc.Versions))
	for _, sv := range doc.Versions {
		material, err := unwrapKey(wrapKey, sv.Wrapped, sv.Version)
		if err != nil {
			return false, err
		}
		versions[sv.Version] = newKeyVersion(sv.KeyVersion, material)
	}
	if _, ok := versions[doc.Current]; !ok {
		return false, fmt.Errorf("corrupted keyring: current version %d missing", doc.Current)
	}

	s.versions = versions
	s.current = doc.Current
	s.nextVersion = doc.NextVersion
	return true, nil
}

// saveKeyring 呼叫端須持有寫鎖
func (s *Service) saveKeyring(ctx context.Context, versions map[uint32]*keyVersion, current, next uint32) error {
	wrapKey, err := s.wrappingKey(ctx, true)
	if err != nil {
		return fmt.Errorf("keyring wrapping key: %w", err)
	}
	defer zero(wrapKey)

	doc := keyringDocument{Current: current, NextVersion: next}
	for _, v := range sortedVersions(versions) {
		var wrapped []byte
		err := v.withKey(func(key []byte) error {
			var werr error
			wrapped, werr = wrapKeyMaterial(wrapKey, key, v.meta.Version)
			return werr
		})
		if err != nil {
			return err
		}
		doc.Versions = append(doc.Versions, storedVersion{KeyVersion: v.meta, Wrapped: wrapped})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal keyring: %w", err)
	}
	return s.store.Put(ctx, keyringStoreKey, raw)
}

func sortedVersions(m map[uint32]*keyVersion) []*keyVersion {
	out := make([]*keyVersion, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Version < out[j].meta.Version })
	return out
}

func versionAAD(version uint32) []byte {
	return []byte("keyring.v" + strconv.FormatUint(uint64(version), 10))
}

func wrapKeyMaterial(wrapKey, material []byte, version uint32) ([]byte, error) {
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation error: %w", err)
	}
	return gcm.Seal(nonce, nonce, material, versionAAD(version)), nil
}

func unwrapKey(wrapKey, wrapped []byte, version uint32) ([]byte, error) {
	if len(wrapped) < NonceSize+TagSize {
		return nil, fmt.Errorf("corrupted keyring entry v%d", version)
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}
	material, err := gcm.Open(nil, wrapped[:NonceSize], wrapped[NonceSize:], versionAAD(version))
	if err != nil {
		return nil, fmt.Errorf("%w: keyring entry v%d", ErrTamperedOrWrongKey, version)
	}
	return material, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
