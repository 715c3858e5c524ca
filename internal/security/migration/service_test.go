package migration

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/security/encryption"
	"secure-storage/internal/storage/protected"
	"secure-storage/internal/storage/protected/protectedtest"
)

type testEnv struct {
	dest   *protected.MemoryStore
	cipher *encryption.Service
	sink   *audit.MemorySink
	audit  *audit.Logger
	spans  *tracetest.SpanRecorder
	legacy *MapLegacyStore
}

func newTestEnv(t *testing.T, legacy map[string]string) *testEnv {
	t.Helper()
	t.Cleanup(logger.SetOutput(&bytes.Buffer{}))

	env := &testEnv{
		dest:   protected.NewMemoryStore(),
		sink:   audit.NewMemorySink(0),
		spans:  tracetest.NewSpanRecorder(),
		legacy: NewMapLegacyStore(legacy),
	}
	env.audit = audit.NewLogger(env.sink, audit.DefaultConfig())

	cipher, err := encryption.Open(context.Background(), encryption.Options{
		Store:  protected.NewMemoryStore(),
		Audit:  env.audit,
		Policy: encryption.DefaultRotationPolicy(),
	})
	require.NoError(t, err)
	env.cipher = cipher
	return env
}

func (e *testEnv) service(t *testing.T, store protected.Store, cipher Cipher) *Service {
	t.Helper()
	if store == nil {
		store = e.dest
	}
	if cipher == nil {
		cipher = e.cipher
	}
	s, err := New(Config{
		Store:          store,
		Cipher:         cipher,
		Audit:          e.audit,
		Source:         e.legacy,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(e.spans)),
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) readDest(t *testing.T, key string) string {
	t.Helper()
	raw, err := e.dest.Get(context.Background(), key)
	require.NoError(t, err)
	plain, err := e.cipher.DecryptBytes(context.Background(), raw, []byte(key))
	require.NoError(t, err)
	return string(plain)
}

func (e *testEnv) events(et audit.EventType) []audit.Event {
	events, _ := e.sink.Query(context.Background(), audit.Filter{Types: []audit.EventType{et}})
	return events
}

func dataKeys(t *testing.T, s protected.Store) []string {
	t.Helper()
	keys, err := s.Keys(context.Background(), "")
	require.NoError(t, err)
	var out []string
	for _, k := range keys {
		if !strings.HasPrefix(k, "migration.") {
			out = append(out, k)
		}
	}
	return out
}

func notMigrationMetadata(key string) bool {
	return !strings.HasPrefix(key, "migration.")
}

var fiveKeys = map[string]string{
	"auth.access_token":  "access-A",
	"auth.refresh_token": "refresh-B",
	"auth.user_id":       "user-42",
	"app.api_key":        "key-123",
	"app.pin_hash":       "hash-xyz",
}

// 依字典序
var fiveKeyNames = []string{"app.api_key", "app.pin_hash", "auth.access_token", "auth.refresh_token", "auth.user_id"}

func TestMigrateCompleted(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	s := env.service(t, nil, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, fiveKeyNames, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, PhaseDone, sess.Phase)
	assert.True(t, sess.BackupComplete)
	assert.NotEmpty(t, sess.BackupLocation)
	require.Len(t, sess.Items, 5)

	for _, item := range sess.Items {
		assert.True(t, item.Valid, item.Key)
		assert.Equal(t, item.OriginalHash, item.MigratedHash)
		assert.Equal(t, fiveKeys[item.Key], env.readDest(t, item.Key))
	}
	assert.Empty(t, env.legacy.Keys())

	// 目的地不可出現明文
	for _, key := range dataKeys(t, env.dest) {
		raw, _ := env.dest.Get(ctx, key)
		assert.NotContains(t, string(raw), fiveKeys[key])
	}

	archived, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, archived.Status)
	assert.Len(t, archived.Items, 5)

	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	migrations := env.events(audit.EventDataMigration)
	require.Len(t, migrations, 1)
	assert.Equal(t, audit.ResultSuccess, migrations[0].Result)
	assert.Equal(t, "completed", migrations[0].Details["status"])
}

func TestMigrateAbsentKey(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "1", "c": "3"})
	s := env.service(t, nil, nil)

	sess, err := s.Migrate(context.Background(), []string{"a", "b", "c", "a"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, sess.Status)
	assert.Equal(t, []string{"a", "b", "c"}, sess.Keys)

	valid, invalid, absent := sess.Counts()
	assert.Equal(t, 2, valid)
	assert.Equal(t, 0, invalid)
	assert.Equal(t, 1, absent)
	assert.Equal(t, []string{"a", "c"}, sess.Migrated())
	assert.Empty(t, env.events(audit.EventSecurityViolation))
}

func TestMigrateInvalidKeyName(t *testing.T) {
	env := newTestEnv(t, map[string]string{"good": "1", "bad key": "2"})
	s := env.service(t, nil, nil)

	sess, err := s.Migrate(context.Background(), []string{"good", "bad key"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, sess.Status)
	assert.Equal(t, "invalid key", sess.Items[1].Error)
	assert.Equal(t, []string{"bad key"}, env.legacy.Keys())
}

func TestDryRun(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	s := env.service(t, nil, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, fiveKeyNames, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.True(t, sess.DryRun)
	assert.False(t, sess.BackupComplete)
	for _, item := range sess.Items {
		assert.True(t, item.Valid)
		assert.Equal(t, item.OriginalHash, item.MigratedHash)
	}

	assert.Empty(t, dataKeys(t, env.dest))
	assert.Len(t, env.legacy.Keys(), 5)

	backups, err := env.dest.Keys(ctx, backupPrefix)
	require.NoError(t, err)
	assert.Empty(t, backups)

	_, err = s.RollbackMigration(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrRollbackUnavailable)
}

func TestInterruptedStorageKeepsPerKeyAtomicity(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	faulty := protectedtest.FailPutsAfter(env.dest, 2).OnlyKeys(notMigrationMetadata)
	s := env.service(t, faulty, nil)
	ctx := context.Background()
	keys := fiveKeyNames

	sess, err := s.Migrate(ctx, keys, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDestinationUnavailable)
	assert.ErrorIs(t, err, protected.ErrUnavailable)
	require.NotNil(t, sess)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.True(t, sess.RollbackEligible())

	// 恰好 K 筆在目的地，N-K 筆仍在來源
	migrated := sess.Migrated()
	assert.Equal(t, keys[:2], migrated)
	assert.ElementsMatch(t, migrated, dataKeys(t, env.dest))
	assert.ElementsMatch(t, keys[2:], env.legacy.Keys())
	for _, item := range sess.Items[:2] {
		assert.Equal(t, item.OriginalHash, item.MigratedHash)
		assert.Equal(t, fiveKeys[item.Key], env.readDest(t, item.Key))
	}

	faulty.Heal()
	rolled, err := s.RollbackMigration(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rolled.Status)
	assert.Empty(t, dataKeys(t, env.dest))
	assert.ElementsMatch(t, keys, env.legacy.Keys())
	for k, v := range fiveKeys {
		got, err := env.legacy.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, v, string(got))
	}

	archived, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, archived.Status)

	_, err = s.RollbackMigration(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrRollbackUnavailable)
}

func TestRollbackAfterCompleted(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	s := env.service(t, nil, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, fiveKeyNames, Options{})
	require.NoError(t, err)
	require.Empty(t, env.legacy.Keys())

	_, err = s.RollbackMigration(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, env.legacy.Keys(), 5)
	assert.Empty(t, dataKeys(t, env.dest))
}

func TestBackupFailureLeavesSourceUntouched(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	faulty := protectedtest.FailPutsAfter(env.dest, 1).OnlyKeys(func(key string) bool {
		return strings.HasPrefix(key, backupPrefix)
	})
	s := env.service(t, faulty, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, fiveKeyNames, Options{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.False(t, sess.BackupComplete)
	assert.Empty(t, sess.Items)
	assert.Len(t, env.legacy.Keys(), 5)

	backups, err := env.dest.Keys(ctx, backupPrefix)
	require.NoError(t, err)
	assert.Empty(t, backups)

	_, err = s.RollbackMigration(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrRollbackUnavailable)
}

// corruptingStore 對指定 key 的第一次寫入翻轉一個位元組
type corruptingStore struct {
	protected.Store
	key  string
	done bool
}

func (s *corruptingStore) Put(ctx context.Context, key string, value []byte) error {
	if key == s.key && !s.done {
		s.done = true
		value = append([]byte(nil), value...)
		value[len(value)-1] ^= 0xff
	}
	return s.Store.Put(ctx, key, value)
}

func TestChecksumFailureIsolatedToKey(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "1", "b": "2", "c": "3"})
	s := env.service(t, &corruptingStore{Store: env.dest, key: "b"}, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, []string{"a", "b", "c"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, sess.Status)

	assert.True(t, sess.Items[0].Valid)
	assert.False(t, sess.Items[1].Valid)
	assert.NotEmpty(t, sess.Items[1].Error)
	assert.True(t, sess.Items[2].Valid)

	// b 完全保持原狀
	assert.Equal(t, []string{"b"}, env.legacy.Keys())
	exists, err := env.dest.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	violations := env.events(audit.EventSecurityViolation)
	require.NotEmpty(t, violations)
	assert.Equal(t, "b", violations[len(violations)-1].Details["key"])
}

func TestFailedKeyRestoresPreviousDestinationValue(t *testing.T) {
	env := newTestEnv(t, map[string]string{"b": "new"})
	ctx := context.Background()
	previous := []byte("existing-ciphertext")
	require.NoError(t, env.dest.Put(ctx, "b", previous))

	s := env.service(t, &corruptingStore{Store: env.dest, key: "b"}, nil)
	sess, err := s.Migrate(ctx, []string{"b"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, sess.Status)

	got, err := env.dest.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, previous, got)
}

// cancellingCipher 在第 n 次資料加密後取消 context
type cancellingCipher struct {
	Cipher
	mu     sync.Mutex
	after  int
	cancel context.CancelFunc
}

func (c *cancellingCipher) EncryptBytes(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := c.Cipher.EncryptBytes(ctx, plaintext, aad)
	if !strings.HasPrefix(string(aad), backupPrefix) {
		c.mu.Lock()
		c.after--
		if c.after == 0 {
			c.cancel()
		}
		c.mu.Unlock()
	}
	return out, err
}

func TestCancellationInterrupts(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := env.service(t, nil, &cancellingCipher{Cipher: env.cipher, after: 2, cancel: cancel})
	keys := fiveKeyNames

	sess, err := s.Migrate(ctx, keys, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusInterrupted, sess.Status)
	assert.Equal(t, keys[:2], sess.Migrated())
	assert.ElementsMatch(t, keys[2:], env.legacy.Keys())
	assert.True(t, sess.RollbackEligible())

	archived, err := s.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, archived.Status)
}

// blockingCipher 在第一次加密時阻塞直到放行
type blockingCipher struct {
	Cipher
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCipher) EncryptBytes(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.Cipher.EncryptBytes(ctx, plaintext, aad)
}

func TestConcurrentMigrationFailsFast(t *testing.T) {
	env := newTestEnv(t, fiveKeys)
	blocking := &blockingCipher{Cipher: env.cipher, entered: make(chan struct{}), release: make(chan struct{})}
	s := env.service(t, nil, blocking)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Migrate(ctx, fiveKeyNames, Options{})
		done <- err
	}()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first migration never started")
	}

	start := time.Now()
	_, err := s.Migrate(ctx, []string{"auth.user_id"}, Options{})
	assert.ErrorIs(t, err, ErrMigrationInProgress)
	assert.Less(t, time.Since(start), time.Second)

	_, err = s.RollbackMigration(ctx, "whatever")
	assert.ErrorIs(t, err, ErrMigrationInProgress)

	close(blocking.release)
	require.NoError(t, <-done)
	assert.Empty(t, env.legacy.Keys())
}

func TestSpansRecorded(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "1"})
	s := env.service(t, nil, nil)
	ctx := context.Background()

	sess, err := s.Migrate(ctx, []string{"a"}, Options{})
	require.NoError(t, err)
	_, err = s.RollbackMigration(ctx, sess.ID)
	require.NoError(t, err)

	var names []string
	for _, span := range env.spans.Ended() {
		names = append(names, span.Name())
	}
	assert.Equal(t, []string{"migration.Migrate", "migration.Rollback"}, names)
}

func TestSessionLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.service(t, nil, nil)

	_, err := s.Session(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.RollbackMigration(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNoSource(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := New(Config{Store: env.dest, Cipher: env.cipher})
	require.NoError(t, err)

	_, err = s.Migrate(context.Background(), []string{"a"}, Options{})
	assert.ErrorIs(t, err, ErrNoSource)

	// Options 指定來源
	legacy := NewMapLegacyStore(map[string]string{"a": "1"})
	sess, err := s.Migrate(context.Background(), []string{"a"}, Options{Source: legacy})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Empty(t, legacy.Keys())
}

func TestMigrateRejectsReservedKeys(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"encryption.keyring": "forged",
		"keystore.device":    "forged",
		"ratelimit.auth":     "forged",
		"profile.name":       "Ada",
	})
	s := env.service(t, nil, nil)
	ctx := context.Background()
	keys := []string{"encryption.keyring", "keystore.device", "ratelimit.auth", "profile.name"}

	sess, err := s.Migrate(ctx, keys, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, sess.Status)
	require.Len(t, sess.Items, 4)
	for _, item := range sess.Items[:3] {
		assert.False(t, item.Valid, item.Key)
		assert.Equal(t, "reserved key", item.Error, item.Key)
	}
	assert.True(t, sess.Items[3].Valid)

	for _, key := range keys[:3] {
		exists, err := env.dest.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, key)
	}
	assert.ElementsMatch(t, keys[:3], env.legacy.Keys())

	// 只有 profile.name 被備份
	backups, err := env.dest.Keys(ctx, backupPrefix+sess.ID+".")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRollbackRestoresPriorDestinationValue(t *testing.T) {
	env := newTestEnv(t, map[string]string{"profile.name": "Ada", "profile.city": "London"})
	ctx := context.Background()
	existing, err := env.cipher.EncryptBytes(ctx, []byte("existing"), []byte("profile.name"))
	require.NoError(t, err)
	require.NoError(t, env.dest.Put(ctx, "profile.name", existing))

	s := env.service(t, nil, nil)
	sess, err := s.Migrate(ctx, []string{"profile.name", "profile.city"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, "Ada", env.readDest(t, "profile.name"))

	_, err = s.RollbackMigration(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, "existing", env.readDest(t, "profile.name"))
	exists, err := env.dest.Exists(ctx, "profile.city")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.ElementsMatch(t, []string{"profile.name", "profile.city"}, env.legacy.Keys())
}
