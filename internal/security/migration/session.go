package migration

import (
	"time"

	"secure-storage/internal/errkind"
)

// Status 遷移 session 狀態
type Status string

const (
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusInterrupted         Status = "interrupted"
	StatusRolledBack          Status = "rolled_back"
)

// Terminal 是否為終止狀態
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

// Phase 執行階段
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseBackingUp Phase = "backing_up"
	PhaseMigrating Phase = "migrating"
	PhaseVerifying Phase = "verifying"
	PhaseDone      Phase = "done"
)

var (
	// ErrMigrationInProgress 另一個 session 持有目的地鎖
	ErrMigrationInProgress = errkind.New(errkind.Policy, "migration: another migration is in progress")
	// ErrDestinationUnavailable 目的地系統性失敗，整個 session 失敗
	ErrDestinationUnavailable = errkind.New(errkind.Storage, "migration: destination unavailable")
	// ErrSessionNotFound session 不存在
	ErrSessionNotFound = errkind.New(errkind.Storage, "migration: session not found")
	// ErrRollbackUnavailable 備份未完成或 session 狀態不允許回滾
	ErrRollbackUnavailable = errkind.New(errkind.Policy, "migration: rollback not available")
	// ErrNoSource 未指定來源存儲
	ErrNoSource = errkind.New(errkind.Environment, "migration: no legacy source configured")
	// ErrChecksumMismatch 來回加解密後內容不一致
	ErrChecksumMismatch = errkind.New(errkind.Integrity, "migration: checksum mismatch")
)

// ChecksumRecord 單一 key 的校驗結果
type ChecksumRecord struct {
	Key          string `json:"key"`
	OriginalHash string `json:"originalHash,omitempty"`
	MigratedHash string `json:"migratedHash,omitempty"`
	Valid        bool   `json:"valid"`
	Absent       bool   `json:"absent,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Session 一次遷移的紀錄，完成後封存不刪除
type Session struct {
	ID             string           `json:"id"`
	Status         Status           `json:"status"`
	Phase          Phase            `json:"phase"`
	Keys           []string         `json:"keys"`
	Items          []ChecksumRecord `json:"items"`
	DryRun         bool             `json:"dryRun"`
	BackupLocation string           `json:"backupLocation,omitempty"`
	BackupComplete bool             `json:"backupComplete"`
	StartedAt      time.Time        `json:"startedAt"`
	EndedAt        time.Time        `json:"endedAt,omitempty"`
	RolledBackAt   time.Time        `json:"rolledBackAt,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Migrated 成功遷移（來源已清除）的 key
func (s *Session) Migrated() []string {
	var keys []string
	for _, item := range s.Items {
		if item.Valid && !item.Absent {
			keys = append(keys, item.Key)
		}
	}
	return keys
}

// Counts 回傳 (valid, invalid, absent)
func (s *Session) Counts() (valid, invalid, absent int) {
	for _, item := range s.Items {
		switch {
		case item.Absent:
			absent++
		case item.Valid:
			valid++
		default:
			invalid++
		}
	}
	return valid, invalid, absent
}

// RollbackEligible 備份完成後任何時候都可回滾（dry-run 除外）
func (s *Session) RollbackEligible() bool {
	return !s.DryRun && s.BackupComplete && s.Status.Terminal() && s.Status != StatusRolledBack
}

func (s *Session) clone() *Session {
	c := *s
	c.Keys = append([]string(nil), s.Keys...)
	c.Items = append([]ChecksumRecord(nil), s.Items...)
	return &c
}

// manifest 備份索引：備份 key 以序號命名，避免超過金鑰長度上限
type manifest struct {
	SessionID string          `json:"sessionId"`
	CreatedAt time.Time       `json:"createdAt"`
	Entries   []manifestEntry `json:"entries"`
}

type manifestEntry struct {
	Key       string `json:"key"`
	BackupKey string `json:"backupKey"`
	Hash      string `json:"hash"`
	// 遷移前目的地已有值時，原始密文另存於 PriorKey
	PriorKey string `json:"priorKey,omitempty"`
	HadPrior bool   `json:"hadPrior"`
}
