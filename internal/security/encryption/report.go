package encryption

import (
	"context"
	"fmt"
	"time"

	"secure-storage/internal/security/audit"
)

// ComplianceReport 金鑰管理合規報告
type ComplianceReport struct {
	GeneratedAt     time.Time      `json:"generatedAt"`
	ReportPeriod    audit.Period   `json:"reportPeriod"`
	KeyVersions     []KeyVersion   `json:"keyVersions"`
	CurrentVersion  uint32         `json:"currentVersion"`
	Rotation        RotationStatus `json:"rotation"`
	Policy          RotationPolicy `json:"policy"`
	HardwareBacked  bool           `json:"hardwareBacked"`
	LegacyKeyExists bool           `json:"legacyKeyExists"`
	Audit           *audit.Report  `json:"audit"`
}

// GenerateComplianceReport 期間內的金鑰事件加上目前的版本與輪換狀態
func (s *Service) GenerateComplianceReport(ctx context.Context, from, to time.Time) (*ComplianceReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("encryption: report period end %s before start %s", to, from)
	}
	auditReport, err := s.audit.BuildReport(ctx, from, to, audit.KeyEventTypes(), nil)
	if err != nil {
		return nil, fmt.Errorf("encryption: audit report: %w", err)
	}
	legacy, err := s.HasLegacyKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("encryption: legacy key check: %w", err)
	}

	current := s.CurrentVersion()
	return &ComplianceReport{
		GeneratedAt:     s.now().UTC(),
		ReportPeriod:    audit.Period{Start: from.UTC(), End: to.UTC()},
		KeyVersions:     s.Versions(),
		CurrentVersion:  current.Version,
		Rotation:        s.RotationStatus(),
		Policy:          s.policy,
		HardwareBacked:  current.Source == SourceHardware,
		LegacyKeyExists: legacy,
		Audit:           auditReport,
	}, nil
}

// AuditTrail 期間內的金鑰相關事件
func (s *Service) AuditTrail(ctx context.Context, from, to time.Time) ([]audit.Event, error) {
	return s.audit.Query(ctx, audit.Filter{From: from, To: to, Types: audit.KeyEventTypes()})
}
