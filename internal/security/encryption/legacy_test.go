package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"secure-storage/internal/security/audit"
)

// sealLegacy 產生舊版格式的值
func sealLegacy(t *testing.T, key []byte, plaintext string) []byte {
	t.Helper()
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		t.Fatalf("NewX failed: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return []byte(LegacyPrefix + base64.StdEncoding.EncodeToString(sealed))
}

func newLegacyKey(t *testing.T, env *testEnv) []byte {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Put(context.Background(), legacyStoreKey, key); err != nil {
		t.Fatalf("Put legacy key failed: %v", err)
	}
	return key
}

func TestMigrateLegacyEncryption(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.open(t, DefaultRotationPolicy())
	ctx := context.Background()
	legacyKey := newLegacyKey(t, env)

	values := map[string]string{
		"credential.access_token":  "access-A",
		"credential.refresh_token": "refresh-B",
	}
	for k, v := range values {
		if err := env.store.Put(ctx, k, sealLegacy(t, legacyKey, v)); err != nil {
			t.Fatal(err)
		}
	}
	current, _ := s.EncryptBytes(ctx, []byte("already"), []byte("settings.theme"))
	_ = env.store.Put(ctx, "settings.theme", current)

	keys := []string{"credential.access_token", "credential.refresh_token", "settings.theme", "settings.missing"}
	result, err := s.MigrateLegacyEncryption(ctx, keys)
	if err != nil {
		t.Fatalf("MigrateLegacyEncryption failed: %v", err)
	}
	if !result.LegacyKeyFound || result.Migrated != 2 || result.AlreadyCurrent != 1 || result.Missing != 1 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
	if !result.LegacyKeyRemoved {
		t.Error("legacy key should be removed after full migration")
	}
	if ok, _ := s.HasLegacyKey(ctx); ok {
		t.Error("legacy key still present")
	}

	for k, want := range values {
		raw, err := env.store.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get %s failed: %v", k, err)
		}
		if strings.HasPrefix(string(raw), LegacyPrefix) {
			t.Errorf("%s still in legacy format", k)
		}
		got, err := s.DecryptBytes(ctx, raw, []byte(k))
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v; want %q", k, got, err, want)
		}
	}

	if n := len(env.events(t, audit.EventKeyDeletion)); n != 1 {
		t.Errorf("key_deletion events = %d, want 1", n)
	}
}

func TestLegacyKeyRetainedOnFailure(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.open(t, DefaultRotationPolicy())
	ctx := context.Background()
	legacyKey := newLegacyKey(t, env)

	_ = env.store.Put(ctx, "good", sealLegacy(t, legacyKey, "ok"))
	otherKey := make([]byte, chacha20poly1305.KeySize)
	_ = env.store.Put(ctx, "wrong_key", sealLegacy(t, otherKey, "unreadable"))
	_ = env.store.Put(ctx, "garbage", []byte(LegacyPrefix+"!!!"))

	result, err := s.MigrateLegacyEncryption(ctx, []string{"good", "wrong_key", "garbage"})
	if err != nil {
		t.Fatalf("MigrateLegacyEncryption failed: %v", err)
	}
	if result.Migrated != 1 || result.Failed != 2 {
		t.Errorf("result = %+v", result)
	}
	if result.LegacyKeyRemoved {
		t.Fatal("legacy key must be retained while legacy data is unconfirmed")
	}
	if ok, _ := s.HasLegacyKey(ctx); !ok {
		t.Fatal("legacy key deleted")
	}

	// 未遷移的值保持原樣
	raw, _ := env.store.Get(ctx, "wrong_key")
	if !strings.HasPrefix(string(raw), LegacyPrefix) {
		t.Error("failed value should be untouched")
	}
	if n := len(env.events(t, audit.EventSecurityViolation)); n != 2 {
		t.Errorf("security_violation events = %d, want 2", n)
	}

	// 重跑只處理剩下的舊格式值
	_ = env.store.Delete(ctx, "wrong_key")
	_ = env.store.Delete(ctx, "garbage")
	result, err = s.MigrateLegacyEncryption(ctx, []string{"good", "wrong_key", "garbage"})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !result.LegacyKeyRemoved || result.AlreadyCurrent != 1 || result.Missing != 2 {
		t.Errorf("second result = %+v", result)
	}
}

func TestMigrateLegacyWithoutLegacyKey(t *testing.T) {
	env := newTestEnv(t, true)
	s := env.open(t, DefaultRotationPolicy())

	result, err := s.MigrateLegacyEncryption(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("MigrateLegacyEncryption failed: %v", err)
	}
	if result.LegacyKeyFound || result.Migrated != 0 {
		t.Errorf("result = %+v", result)
	}
}
