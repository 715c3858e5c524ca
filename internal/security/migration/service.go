// Package migration moves secrets from an unprotected legacy store into the
// protected store with per-key checksums, a pre-migration backup and rollback.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"secure-storage/internal/constants"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/audit"
	"secure-storage/internal/storage/protected"
)

const (
	sessionPrefix  = constants.MigrationSessionPrefix
	backupPrefix   = constants.MigrationBackupPrefix
	manifestPrefix = constants.MigrationManifestPrefix
	priorSuffix    = ".prior"

	// 連續寫入失敗達此次數視為系統性錯誤
	maxConsecutiveWriteFailures = 3

	tracerName = "secure-storage/migration"
)

// Cipher 加密服務提供的位元組加解密
type Cipher interface {
	EncryptBytes(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	DecryptBytes(ctx context.Context, data, aad []byte) ([]byte, error)
}

// Config 服務配置
type Config struct {
	Store          protected.Store
	Cipher         Cipher
	Audit          *audit.Logger
	Source         LegacyStore // 預設來源，可在 Options 覆寫
	TracerProvider trace.TracerProvider
	Clock          func() time.Time
}

// Options 單次遷移選項
type Options struct {
	// DryRun 只做讀取、加密與校驗，不寫目的地也不清除來源
	DryRun bool
	Source LegacyStore
}

// Service 遷移完整性服務。每個目的地存儲對應一個 Service，同時只允許一個 session。
type Service struct {
	store  protected.Store
	cipher Cipher
	audit  *audit.Logger
	source LegacyStore
	tracer trace.Tracer
	now    func() time.Time

	// lock 目的地鎖，以 TryLock 取得，不排隊
	lock sync.Mutex

	mu      sync.Mutex
	sources map[string]LegacyStore
}

// New 創建遷移服務
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Cipher == nil {
		return nil, fmt.Errorf("migration: store and cipher are required")
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:   cfg.Store,
		cipher:  cfg.Cipher,
		audit:   cfg.Audit,
		source:  cfg.Source,
		tracer:  cfg.TracerProvider.Tracer(tracerName),
		now:     cfg.Clock,
		sources: make(map[string]LegacyStore),
	}, nil
}

// Migrate 執行一次遷移。回傳的 session 永遠不為 nil（取得鎖之後），
// 失敗或中斷時同時回傳錯誤；部分 key 完整性失敗不算錯誤，只反映在狀態與校驗紀錄。
func (s *Service) Migrate(ctx context.Context, keys []string, opts Options) (*Session, error) {
	source := opts.Source
	if source == nil {
		source = s.source
	}
	if source == nil {
		return nil, ErrNoSource
	}
	if !s.lock.TryLock() {
		return nil, ErrMigrationInProgress
	}
	defer s.lock.Unlock()

	ctx, span := s.tracer.Start(ctx, "migration.Migrate", trace.WithAttributes(
		attribute.Int("migration.keys", len(keys)),
		attribute.Bool("migration.dry_run", opts.DryRun),
	))
	defer span.End()

	sess := &Session{
		ID:        uuid.NewString(),
		Status:    StatusInProgress,
		Phase:     PhaseStarted,
		Keys:      dedupe(keys),
		DryRun:    opts.DryRun,
		StartedAt: s.now(),
	}
	span.SetAttributes(attribute.String("migration.session_id", sess.ID))
	s.rememberSource(sess.ID, source)
	s.archive(ctx, sess)

	logger.Info(ctx, "migration started",
		logger.WithSessionID(sess.ID),
		logger.WithOperation("migration.migrate"),
		logger.WithDetails(map[string]interface{}{"keys": len(sess.Keys), "dry_run": sess.DryRun}))

	err := s.run(ctx, source, sess)

	// 中斷後仍需封存與審計
	s.finish(context.WithoutCancel(ctx), span, sess, err)
	return sess.clone(), err
}

func (s *Service) run(ctx context.Context, source LegacyStore, sess *Session) error {
	sess.Phase = PhaseBackingUp
	if !sess.DryRun {
		if err := s.backup(ctx, source, sess); err != nil {
			sess.Status = StatusFailed
			return err
		}
		s.archive(ctx, sess)
	}

	sess.Phase = PhaseMigrating
	consecutive := 0
	for _, key := range sess.Keys {
		if err := ctx.Err(); err != nil {
			sess.Status = StatusInterrupted
			return err
		}

		rec, err := s.migrateKey(ctx, source, key, sess.DryRun)
		sess.Items = append(sess.Items, rec)
		if err == nil {
			consecutive = 0
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			sess.Status = StatusInterrupted
			return err
		}
		consecutive++
		if isSystemic(err) || consecutive >= maxConsecutiveWriteFailures {
			sess.Status = StatusFailed
			if errors.Is(err, ErrDestinationUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
		}
	}

	sess.Phase = PhaseVerifying
	_, invalid, absent := sess.Counts()
	if invalid == 0 && absent == 0 {
		sess.Status = StatusCompleted
	} else {
		sess.Status = StatusCompletedWithErrors
	}
	return nil
}

func isSystemic(err error) bool {
	return errors.Is(err, protected.ErrUnavailable) || errors.Is(err, ErrDestinationUnavailable)
}

// backup 在動到任何資料前加密備份所有存在的來源項目
func (s *Service) backup(ctx context.Context, source LegacyStore, sess *Session) error {
	m := manifest{SessionID: sess.ID, CreatedAt: s.now()}
	for i, key := range sess.Keys {
		if protected.ValidateKey(key) != nil || constants.IsReserved(key) {
			continue
		}
		raw, err := source.Get(ctx, key)
		if errors.Is(err, protected.ErrNotFound) {
			continue
		}
		if err != nil {
			s.discardBackup(ctx, sess.ID)
			return fmt.Errorf("migration: backup read %s: %w", key, err)
		}

		backupKey := backupPrefix + sess.ID + "." + strconv.Itoa(i)
		sealed, err := s.cipher.EncryptBytes(ctx, raw, []byte(backupKey))
		hash := checksum(raw)
		zero(raw)
		if err == nil {
			err = s.store.Put(ctx, backupKey, sealed)
		}
		if err != nil {
			s.discardBackup(ctx, sess.ID)
			return fmt.Errorf("migration: backup %s: %w", key, err)
		}
		entry := manifestEntry{Key: key, BackupKey: backupKey, Hash: hash}

		// 目的地原有的值原封複製，回滾時放回
		prior, err := s.store.Get(ctx, key)
		switch {
		case err == nil:
			entry.PriorKey = backupKey + priorSuffix
			entry.HadPrior = true
			err = s.store.Put(ctx, entry.PriorKey, prior)
		case errors.Is(err, protected.ErrNotFound):
			err = nil
		}
		if err != nil {
			s.discardBackup(ctx, sess.ID)
			return fmt.Errorf("migration: backup destination %s: %w", key, err)
		}
		m.Entries = append(m.Entries, entry)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("migration: encode manifest: %w", err)
	}
	location := manifestPrefix + sess.ID
	if err := s.store.Put(ctx, location, data); err != nil {
		s.discardBackup(ctx, sess.ID)
		return fmt.Errorf("migration: write manifest: %w", err)
	}
	sess.BackupLocation = location
	sess.BackupComplete = true
	return nil
}

func (s *Service) discardBackup(ctx context.Context, sessionID string) {
	if _, err := protected.Wipe(ctx, s.store, backupPrefix+sessionID+"."); err != nil {
		logger.Warning(ctx, "failed to discard partial backup",
			logger.WithSessionID(sessionID),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

// migrateKey 單一 key 要嘛完整進入目的地且來源已清除，要嘛完全不變。
// error 只回傳目的地寫入錯誤，完整性失敗記錄在 ChecksumRecord。
func (s *Service) migrateKey(ctx context.Context, source LegacyStore, key string, dryRun bool) (ChecksumRecord, error) {
	rec := ChecksumRecord{Key: key}
	if err := protected.ValidateKey(key); err != nil {
		rec.Error = "invalid key"
		return rec, nil
	}
	if constants.IsReserved(key) {
		rec.Error = "reserved key"
		return rec, nil
	}

	plaintext, err := source.Get(ctx, key)
	if errors.Is(err, protected.ErrNotFound) {
		rec.Absent = true
		return rec, nil
	}
	if err != nil {
		rec.Error = "source read failed"
		return rec, nil
	}
	defer zero(plaintext)
	rec.OriginalHash = checksum(plaintext)

	aad := []byte(key)
	sealed, err := s.cipher.EncryptBytes(ctx, plaintext, aad)
	if err != nil {
		rec.Error = "encryption failed"
		return rec, nil
	}

	if dryRun {
		check, err := s.cipher.DecryptBytes(ctx, sealed, aad)
		if err != nil {
			rec.Error = "round trip failed"
			return rec, nil
		}
		rec.MigratedHash = checksum(check)
		zero(check)
		rec.Valid = rec.MigratedHash == rec.OriginalHash
		if !rec.Valid {
			rec.Error = ErrChecksumMismatch.Error()
		}
		return rec, nil
	}

	previous, err := s.store.Get(ctx, key)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, protected.ErrNotFound) {
		rec.Error = "destination read failed"
		return rec, err
	}

	if err := s.store.Put(ctx, key, sealed); err != nil {
		rec.Error = "destination write failed"
		return rec, err
	}

	// 讀回、解密、比對
	reason := ""
	readback, err := s.store.Get(ctx, key)
	if err == nil {
		var check []byte
		check, err = s.cipher.DecryptBytes(ctx, readback, aad)
		if err == nil {
			rec.MigratedHash = checksum(check)
			zero(check)
		}
	}
	switch {
	case err != nil:
		reason = "verification failed"
	case rec.MigratedHash != rec.OriginalHash:
		reason = ErrChecksumMismatch.Error()
	}
	if reason != "" {
		s.undo(ctx, key, previous, hadPrevious)
		rec.Error = reason
		s.integrityFailure(ctx, key, reason)
		return rec, nil
	}

	if err := source.Delete(ctx, key); err != nil {
		s.undo(ctx, key, previous, hadPrevious)
		rec.Error = "source delete failed"
		return rec, nil
	}
	rec.Valid = true
	return rec, nil
}

// undo 還原目的地先前的狀態
func (s *Service) undo(ctx context.Context, key string, previous []byte, hadPrevious bool) {
	var err error
	if hadPrevious {
		err = s.store.Put(ctx, key, previous)
	} else {
		err = s.store.Delete(ctx, key)
		if errors.Is(err, protected.ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		logger.Error(ctx, "failed to undo destination write",
			logger.WithOperation("migration.undo"),
			logger.WithDetails(map[string]interface{}{"key": key, "error": err.Error()}))
	}
}

func (s *Service) integrityFailure(ctx context.Context, key, reason string) {
	_, _ = s.audit.Log(ctx, audit.EventSecurityViolation, "system", audit.ResultFailure, "migration", audit.NewDetails(
		"key", key,
		"reason", reason,
	))
	logger.Warning(ctx, "migration integrity check failed",
		logger.WithOperation("migration.verify"),
		logger.WithDetails(map[string]interface{}{"key": key, "reason": reason}))
}

func (s *Service) finish(ctx context.Context, span trace.Span, sess *Session, err error) {
	sess.Phase = PhaseDone
	sess.EndedAt = s.now()
	if err != nil {
		sess.Error = err.Error()
		if sess.Status == StatusInProgress {
			sess.Status = StatusFailed
		}
	}
	s.archive(ctx, sess)

	valid, invalid, absent := sess.Counts()
	span.SetAttributes(
		attribute.String("migration.status", string(sess.Status)),
		attribute.Int("migration.valid", valid),
		attribute.Int("migration.invalid", invalid),
		attribute.Int("migration.absent", absent),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	result := audit.ResultSuccess
	if sess.Status != StatusCompleted {
		result = audit.ResultFailure
	}
	_, _ = s.audit.Log(ctx, audit.EventDataMigration, "system", result, "migration", audit.NewDetails(
		"session_id", sess.ID,
		"status", string(sess.Status),
		"dry_run", strconv.FormatBool(sess.DryRun),
		"valid", strconv.Itoa(valid),
		"invalid", strconv.Itoa(invalid),
		"absent", strconv.Itoa(absent),
	))

	details := map[string]interface{}{
		"status":  string(sess.Status),
		"valid":   valid,
		"invalid": invalid,
		"absent":  absent,
	}
	if err != nil {
		details["error"] = err.Error()
		logger.Error(ctx, "migration ended with error",
			logger.WithSessionID(sess.ID), logger.WithOperation("migration.migrate"), logger.WithDetails(details))
		return
	}
	logger.Info(ctx, "migration finished",
		logger.WithSessionID(sess.ID), logger.WithOperation("migration.migrate"), logger.WithDetails(details))
}

// RollbackMigration 還原備份到來源，目的地 key 放回遷移前的值或移除
func (s *Service) RollbackMigration(ctx context.Context, sessionID string) (*Session, error) {
	if !s.lock.TryLock() {
		return nil, ErrMigrationInProgress
	}
	defer s.lock.Unlock()

	ctx, span := s.tracer.Start(ctx, "migration.Rollback", trace.WithAttributes(
		attribute.String("migration.session_id", sessionID),
	))
	defer span.End()

	sess, err := s.rollback(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "migration rollback failed",
			logger.WithSessionID(sessionID),
			logger.WithOperation("migration.rollback"),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		_, _ = s.audit.Log(ctx, audit.EventDataMigration, "system", audit.ResultFailure, "migration.rollback", audit.NewDetails(
			"session_id", sessionID,
			"error", err.Error(),
		))
		return nil, err
	}

	_, _ = s.audit.Log(ctx, audit.EventDataMigration, "system", audit.ResultSuccess, "migration.rollback", audit.NewDetails(
		"session_id", sessionID,
		"restored", strconv.Itoa(len(sess.Keys)),
	))
	logger.Notice(ctx, "migration rolled back",
		logger.WithSessionID(sessionID),
		logger.WithOperation("migration.rollback"))
	return sess.clone(), nil
}

func (s *Service) rollback(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.RollbackEligible() {
		return nil, fmt.Errorf("%w: session %s is %s (backup complete: %t, dry run: %t)",
			ErrRollbackUnavailable, sess.ID, sess.Status, sess.BackupComplete, sess.DryRun)
	}
	source := s.sourceFor(sessionID)
	if source == nil {
		return nil, ErrNoSource
	}

	raw, err := s.store.Get(ctx, sess.BackupLocation)
	if err != nil {
		return nil, fmt.Errorf("migration: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("migration: decode manifest: %w", err)
	}

	// 先把所有備份還原並校驗，再刪除目的地，避免資料有一刻不存在
	for _, e := range m.Entries {
		sealed, err := s.store.Get(ctx, e.BackupKey)
		if err != nil {
			return nil, fmt.Errorf("migration: read backup %s: %w", e.Key, err)
		}
		plaintext, err := s.cipher.DecryptBytes(ctx, sealed, []byte(e.BackupKey))
		if err != nil {
			return nil, fmt.Errorf("migration: decrypt backup %s: %w", e.Key, err)
		}
		if checksum(plaintext) != e.Hash {
			zero(plaintext)
			return nil, fmt.Errorf("%w: backup of %s", ErrChecksumMismatch, e.Key)
		}
		err = source.Put(ctx, e.Key, plaintext)
		zero(plaintext)
		if err != nil {
			return nil, fmt.Errorf("migration: restore %s: %w", e.Key, err)
		}
	}

	entries := make(map[string]manifestEntry, len(m.Entries))
	for _, e := range m.Entries {
		entries[e.Key] = e
	}
	for _, key := range sess.Migrated() {
		if e, ok := entries[key]; ok && e.HadPrior {
			prior, err := s.store.Get(ctx, e.PriorKey)
			if err != nil {
				return nil, fmt.Errorf("migration: read prior value of %s: %w", key, err)
			}
			if err := s.store.Put(ctx, key, prior); err != nil {
				return nil, fmt.Errorf("migration: restore prior value of %s: %w", key, err)
			}
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, protected.ErrNotFound) {
			return nil, fmt.Errorf("migration: remove migrated %s: %w", key, err)
		}
	}

	sess.Status = StatusRolledBack
	sess.RolledBackAt = s.now()
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Session 讀取封存的 session
func (s *Service) Session(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, id)
}

// Sessions 所有封存的 session，依開始時間排序
func (s *Service) Sessions(ctx context.Context) ([]*Session, error) {
	keys, err := s.store.Keys(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("migration: list sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		sess, err := s.load(ctx, strings.TrimPrefix(key, sessionPrefix))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (s *Service) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionPrefix+id)
	if errors.Is(err, protected.ErrNotFound) || errors.Is(err, protected.ErrInvalidKey) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("migration: read session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("migration: decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("migration: encode session: %w", err)
	}
	if err := s.store.Put(ctx, sessionPrefix+sess.ID, data); err != nil {
		return fmt.Errorf("migration: archive session %s: %w", sess.ID, err)
	}
	return nil
}

// archive 封存失敗只記錄，不影響遷移本身
func (s *Service) archive(ctx context.Context, sess *Session) {
	if err := s.save(ctx, sess); err != nil {
		logger.Warning(ctx, "failed to archive migration session",
			logger.WithSessionID(sess.ID),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}
}

func (s *Service) rememberSource(id string, source LegacyStore) {
	s.mu.Lock()
	s.sources[id] = source
	s.mu.Unlock()
}

// sourceFor 程序重啟後沒有紀錄時使用預設來源
func (s *Service) sourceFor(id string) LegacyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[id]; ok {
		return src
	}
	return s.source
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
