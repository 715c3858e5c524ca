// Package encryption provides AES-256-GCM encryption under a versioned,
// rotatable keyring whose material is derived from the hardware key manager.
package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/security/keymanager"
	"secure-storage/internal/storage/protected"
)

// DefaultDeviceKeyID 預設硬體金鑰識別碼
const DefaultDeviceKeyID = "device.master"

// 字串格式前綴
const stringPrefix = "v1:"

// Options 加密服務選項
type Options struct {
	Store       protected.Store
	KeyManager  *keymanager.HardwareKeyManager
	Audit       *audit.Logger
	Policy      RotationPolicy
	DeviceKeyID string
	Clock       func() time.Time
}

// Service 加密服務
type Service struct {
	store       protected.Store
	hkm         *keymanager.HardwareKeyManager
	audit       *audit.Logger
	policy      RotationPolicy
	deviceKeyID string
	now         func() time.Time

	mu          sync.RWMutex
	versions    map[uint32]*keyVersion
	current     uint32
	nextVersion uint32 // 下一個可用版本號，刪除後也不回收
}

// rotation 一次輪換的結果，用於鎖外寫審計
type rotation struct {
	reason  string
	from    uint32
	to      KeyVersion
	pruned  []uint32
	initial bool
}

// Open 載入既有 keyring，不存在時建立版本 1
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("encryption: store is required")
	}
	if opts.KeyManager == nil {
		opts.KeyManager = keymanager.NewHardwareKeyManager(nil)
	}
	if opts.DeviceKeyID == "" {
		opts.DeviceKeyID = DefaultDeviceKeyID
	}
	if err := protected.ValidateKey(opts.DeviceKeyID + ".wrap"); err != nil {
		return nil, fmt.Errorf("encryption: device key id: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Service{
		store:       opts.Store,
		hkm:         opts.KeyManager,
		audit:       opts.Audit,
		policy:      opts.Policy,
		deviceKeyID: opts.DeviceKeyID,
		now:         opts.Clock,
	}

	s.mu.Lock()
	found, err := s.loadKeyring(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encryption: load keyring: %w", err)
	}
	var created *rotation
	if !found {
		s.versions = make(map[uint32]*keyVersion)
		s.nextVersion = 1
		created, err = s.rotateLocked(ctx, "initial")
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("encryption: create keyring: %w", err)
		}
		created.initial = true
	}
	s.mu.Unlock()

	if created != nil {
		s.auditRotation(ctx, created)
	}
	if s.audit != nil {
		s.audit.SetEncrypter(s)
	}

	current := s.CurrentVersion()
	logger.Info(ctx, "encryption service ready",
		logger.WithOperation("encryption.open"),
		logger.WithDetails(map[string]interface{}{
			"version":  current.Version,
			"source":   string(current.Source),
			"versions": len(s.Versions()),
		}))
	return s, nil
}

// newMaterial 取得新版本金鑰：硬體可用時輪換硬體金鑰，否則退回軟體隨機金鑰
func (s *Service) newMaterial(ctx context.Context, rotate bool) ([]byte, Source, error) {
	if s.hkm.Available() {
		has, err := s.hkm.HasKey(ctx, s.deviceKeyID)
		if err != nil {
			return nil, "", err
		}
		var key []byte
		switch {
		case has && rotate:
			key, err = s.hkm.Rotate(ctx, s.deviceKeyID)
		case has:
			key, err = s.hkm.SymmetricKey(ctx, s.deviceKeyID)
		default:
			if err = s.hkm.GenerateKey(ctx, s.deviceKeyID); err == nil {
				key, err = s.hkm.SymmetricKey(ctx, s.deviceKeyID)
			}
		}
		if err != nil {
			return nil, "", err
		}
		return key, SourceHardware, nil
	}

	logger.Warning(ctx, "hardware keystore unavailable, using software key",
		logger.WithOperation("encryption.key_material"))
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("key generation error: %w", err)
	}
	return key, SourceSoftware, nil
}

// rotateLocked 呼叫端須持有寫鎖。持久化失敗時記憶體狀態不變
func (s *Service) rotateLocked(ctx context.Context, reason string) (*rotation, error) {
	material, source, err := s.newMaterial(ctx, len(s.versions) > 0)
	if err != nil {
		return nil, err
	}

	version := s.nextVersion
	if version == 0 {
		version = 1
	}
	for v := range s.versions {
		if v >= version {
			version = v + 1
		}
	}

	next := make(map[uint32]*keyVersion, len(s.versions)+1)
	for v, kv := range s.versions {
		if v == s.current && kv.meta.Status == StatusActive {
			retired := &keyVersion{meta: kv.meta, enclave: kv.enclave}
			retired.meta.Status = StatusRetired
			next[v] = retired
			continue
		}
		next[v] = kv
	}

	meta := KeyVersion{
		Version:   version,
		CreatedAt: s.now().UTC(),
		Status:    StatusActive,
		Source:    source,
	}
	next[version] = newKeyVersion(meta, material)

	var pruned []uint32
	refs, err := s.referencedVersions(ctx)
	if err != nil {
		logger.Warning(ctx, "retention scan failed, skipping key pruning",
			logger.WithOperation("encryption.rotate"),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	} else {
		pruned = pruneRetired(next, s.policy.KeepOldKeys, refs)
	}

	if err := s.saveKeyring(ctx, next, version, version+1); err != nil {
		return nil, fmt.Errorf("persist keyring: %w", err)
	}

	r := &rotation{reason: reason, from: s.current, to: meta, pruned: pruned}
	s.versions = next
	s.current = version
	s.nextVersion = version + 1
	return r, nil
}

// pruneRetired 保留最新的 keep 個未釘選舊版本，回傳被移除的版本。
// 仍有密文引用的版本一律保留
func pruneRetired(versions map[uint32]*keyVersion, keep int, referenced map[uint32]bool) []uint32 {
	if keep <= 0 {
		return nil
	}
	var retired []uint32
	for v, kv := range versions {
		if kv.meta.Status == StatusRetired && !kv.meta.Pinned && !referenced[v] {
			retired = append(retired, v)
		}
	}
	if len(retired) <= keep {
		return nil
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i] > retired[j] })
	pruned := retired[keep:]
	for _, v := range pruned {
		delete(versions, v)
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })
	return pruned
}

func (s *Service) auditRotation(ctx context.Context, r *rotation) {
	eventType := audit.EventKeyRotation
	if r.initial {
		eventType = audit.EventKeyCreation
	}
	_, _ = s.audit.Log(ctx, eventType, "system", audit.ResultSuccess, r.reason, audit.NewDetails(
		"version", strconv.FormatUint(uint64(r.to.Version), 10),
		"previous_version", strconv.FormatUint(uint64(r.from), 10),
		"source", string(r.to.Source),
	))
	for _, v := range r.pruned {
		_, _ = s.audit.Log(ctx, audit.EventKeyDeletion, "system", audit.ResultSuccess, "retention", audit.NewDetails(
			"version", strconv.FormatUint(uint64(v), 10),
		))
	}
	logger.Notice(ctx, "encryption key rotated",
		logger.WithOperation("encryption.rotate"),
		logger.WithDetails(map[string]interface{}{
			"reason":  r.reason,
			"version": r.to.Version,
			"source":  string(r.to.Source),
			"pruned":  len(r.pruned),
		}))
}

// RotateKey 建立新版本並設為目前版本，舊版本保留供解密
func (s *Service) RotateKey(ctx context.Context, reason string) (KeyVersion, error) {
	if reason == "" {
		reason = "manual"
	}
	s.mu.Lock()
	r, err := s.rotateLocked(ctx, reason)
	s.mu.Unlock()
	if err != nil {
		_, _ = s.audit.Log(ctx, audit.EventKeyRotation, "system", audit.ResultFailure, reason, audit.NewDetails(
			"error", err.Error(),
		))
		return KeyVersion{}, fmt.Errorf("encryption: rotate key: %w", err)
	}
	s.auditRotation(ctx, r)
	return r.to, nil
}

// Encrypt 以目前版本加密，每次使用新的隨機 nonce
func (s *Service) Encrypt(ctx context.Context, plaintext, aad []byte) (*Payload, error) {
	s.mu.RLock()
	kv := s.versions[s.current]
	s.mu.RUnlock()

	p := &Payload{Version: kv.meta.Version}
	if _, err := rand.Read(p.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation error: %w", err)
	}
	err := kv.withKey(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		p.Ciphertext = gcm.Seal(nil, p.Nonce[:], plaintext, aad)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	return p, nil
}

// Decrypt 依版本標籤找出保留中的金鑰解密，失敗時不回傳任何明文
func (s *Service) Decrypt(ctx context.Context, p *Payload, aad []byte) ([]byte, error) {
	if p == nil || len(p.Ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, ErrTamperedOrWrongKey)
	}

	s.mu.RLock()
	kv, ok := s.versions[p.Version]
	s.mu.RUnlock()
	if !ok {
		_, _ = s.audit.Log(ctx, audit.EventSecurityViolation, "system", audit.ResultDenied, "decrypt", audit.NewDetails(
			"reason", "unknown_key_version",
			"version", strconv.FormatUint(uint64(p.Version), 10),
		))
		return nil, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, p.Version)
	}

	var plaintext []byte
	err := kv.withKey(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		out, err := gcm.Open(nil, p.Nonce[:], p.Ciphertext, aad)
		if err != nil {
			return ErrTamperedOrWrongKey
		}
		plaintext = out
		return nil
	})
	if errors.Is(err, ErrTamperedOrWrongKey) {
		_, _ = s.audit.Log(ctx, audit.EventSecurityViolation, "system", audit.ResultDenied, "decrypt", audit.NewDetails(
			"reason", "authentication_failed",
			"version", strconv.FormatUint(uint64(p.Version), 10),
		))
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}

	if kv.meta.Status == StatusRetired {
		_, _ = s.audit.Log(ctx, audit.EventKeyAccess, "system", audit.ResultSuccess, "decrypt", audit.NewDetails(
			"version", strconv.FormatUint(uint64(p.Version), 10),
			"status", string(StatusRetired),
		))
	}
	return plaintext, nil
}

// EncryptBytes 加密並編碼為線路格式
func (s *Service) EncryptBytes(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	p, err := s.Encrypt(ctx, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return p.MarshalBinary()
}

// DecryptBytes 解析線路格式後解密
func (s *Service) DecryptBytes(ctx context.Context, data, aad []byte) ([]byte, error) {
	p, err := ParsePayload(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrTamperedOrWrongKey)
	}
	return s.Decrypt(ctx, p, aad)
}

// EncryptString 加密字串，輸出 "v1:" + base64
func (s *Service) EncryptString(ctx context.Context, plaintext string, aad []byte) (string, error) {
	data, err := s.EncryptBytes(ctx, []byte(plaintext), aad)
	if err != nil {
		return "", err
	}
	return stringPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// DecryptString 解密 EncryptString 的輸出
func (s *Service) DecryptString(ctx context.Context, encoded string, aad []byte) (string, error) {
	if !strings.HasPrefix(encoded, stringPrefix) {
		return "", fmt.Errorf("%w: missing %q prefix: %w", ErrMalformedPayload, stringPrefix, ErrTamperedOrWrongKey)
	}
	data, err := base64.StdEncoding.DecodeString(encoded[len(stringPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v: %w", ErrMalformedPayload, err, ErrTamperedOrWrongKey)
	}
	plaintext, err := s.DecryptBytes(ctx, data, aad)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Pin 釘選的版本不會被保留策略移除
func (s *Service) Pin(ctx context.Context, version uint32) error {
	return s.setPinned(ctx, version, true)
}

// Unpin 取消釘選，下次輪換時才套用保留策略
func (s *Service) Unpin(ctx context.Context, version uint32) error {
	return s.setPinned(ctx, version, false)
}

func (s *Service) setPinned(ctx context.Context, version uint32, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, ok := s.versions[version]
	if !ok {
		return fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	if kv.meta.Pinned == pinned {
		return nil
	}

	next := make(map[uint32]*keyVersion, len(s.versions))
	for v, other := range s.versions {
		next[v] = other
	}
	updated := &keyVersion{meta: kv.meta, enclave: kv.enclave}
	updated.meta.Pinned = pinned
	next[version] = updated

	if err := s.saveKeyring(ctx, next, s.current, s.nextVersion); err != nil {
		return fmt.Errorf("encryption: persist keyring: %w", err)
	}
	s.versions = next
	return nil
}

// Versions 所有保留版本的中繼資料，依版本排序
func (s *Service) Versions() []KeyVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyVersion, 0, len(s.versions))
	for _, kv := range sortedVersions(s.versions) {
		out = append(out, kv.meta)
	}
	return out
}

// CurrentVersion 目前用於加密的版本
func (s *Service) CurrentVersion() KeyVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[s.current].meta
}

// HardwareFallback 目前版本是否為軟體金鑰（建議在有硬體時重新輪換）
func (s *Service) HardwareFallback() bool {
	return s.CurrentVersion().Source == SourceSoftware
}
