// Package audit records security-relevant events in an append-only sink and
// produces compliance exports.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"secure-storage/internal/platform/logger"
)

// MinRetention 審計保留期下限
const MinRetention = 90 * 24 * time.Hour

// Config 審計配置
type Config struct {
	Enabled         bool
	RetentionPeriod time.Duration
	MaxEntries      int
	EncryptExports  bool
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RetentionPeriod: MinRetention,
		MaxEntries:      10000,
	}
}

// Encrypter 用於加密匯出報告
type Encrypter interface {
	EncryptBytes(ctx context.Context, plaintext, aad []byte) ([]byte, error)
}

// Logger 審計記錄器，是事件序列的唯一寫入者
type Logger struct {
	sink Sink
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	encrypter Encrypter
}

// Option Logger 選項
type Option func(*Logger)

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithEncrypter 設定匯出加密器
func WithEncrypter(e Encrypter) Option {
	return func(l *Logger) { l.encrypter = e }
}

// NewLogger 創建審計記錄器
func NewLogger(sink Sink, cfg Config, opts ...Option) *Logger {
	if sink == nil {
		sink = NewMemorySink(cfg.MaxEntries)
	}
	if cfg.RetentionPeriod < MinRetention {
		cfg.RetentionPeriod = MinRetention
	}
	l := &Logger{sink: sink, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetEncrypter 在加密服務建立後再掛上
func (l *Logger) SetEncrypter(e Encrypter) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.encrypter = e
	l.mu.Unlock()
}

// IsEnabled 檢查審計是否啟用
func (l *Logger) IsEnabled() bool {
	return l != nil && l.cfg.Enabled
}

// Log 記錄事件：查表計算風險、遮蔽敏感欄位後寫入
func (l *Logger) Log(ctx context.Context, eventType EventType, userID string, result Result, method string, details Details) (Event, error) {
	if !l.IsEnabled() {
		return Event{}, nil
	}

	event := Event{
		ID:        uuid.New().String(),
		Timestamp: l.now().UTC(),
		EventType: eventType,
		RiskLevel: RiskOf(eventType),
		UserID:    userID,
		Result:    result,
		Method:    method,
		Details:   details.Redact(),
	}

	l.mu.Lock()
	err := l.sink.Append(ctx, event)
	l.mu.Unlock()
	if err != nil {
		logger.Error(ctx, "audit append failed",
			logger.WithOperation(string(eventType)),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return event, fmt.Errorf("audit: append %s: %w", eventType, err)
	}

	if event.RiskLevel.AtLeast(RiskHigh) {
		logger.Warning(ctx, "high risk security event",
			logger.WithUserID(userID),
			logger.WithOperation(string(eventType)),
			logger.WithDetails(map[string]interface{}{
				"risk":   string(event.RiskLevel),
				"result": string(result),
				"method": method,
			}))
	}
	return event, nil
}

// Query 依條件查詢
func (l *Logger) Query(ctx context.Context, f Filter) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	return l.sink.Query(ctx, f)
}

// Sweep 刪除超過保留期的事件，存儲不支援時回傳 0
func (l *Logger) Sweep(ctx context.Context) (int, error) {
	if l == nil {
		return 0, nil
	}
	sw, ok := l.sink.(Sweeper)
	if !ok {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return sw.Sweep(ctx, l.now().Add(-l.cfg.RetentionPeriod))
}

// Period 報告期間
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReportMetadata 報告統計
type ReportMetadata struct {
	TotalEvents   int               `json:"totalEvents"`
	ByRisk        map[RiskLevel]int `json:"byRisk"`
	ByType        map[EventType]int `json:"byType"`
	EventTypes    []EventType       `json:"eventTypes,omitempty"`
	RiskLevels    []RiskLevel       `json:"riskLevels,omitempty"`
	RetentionDays int               `json:"retentionDays"`
	Encrypted     bool              `json:"encrypted"`
}

// Report 合規報告
type Report struct {
	GeneratedAt  time.Time      `json:"generatedAt"`
	ReportPeriod Period         `json:"reportPeriod"`
	Events       []Event        `json:"events"`
	Metadata     ReportMetadata `json:"metadata"`
}

// BuildReport 產生未序列化的報告
func (l *Logger) BuildReport(ctx context.Context, from, to time.Time, types []EventType, risks []RiskLevel) (*Report, error) {
	events, err := l.Query(ctx, Filter{From: from, To: to, Types: types, Risks: risks})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}

	meta := ReportMetadata{
		TotalEvents: len(events),
		ByRisk:      make(map[RiskLevel]int),
		ByType:      make(map[EventType]int),
		EventTypes:  types,
		RiskLevels:  risks,
	}
	if l != nil {
		meta.RetentionDays = int(l.cfg.RetentionPeriod / (24 * time.Hour))
	}
	for _, e := range events {
		meta.ByRisk[e.RiskLevel]++
		meta.ByType[e.EventType]++
	}

	now := time.Now
	if l != nil {
		now = l.now
	}
	return &Report{
		GeneratedAt:  now().UTC(),
		ReportPeriod: Period{Start: from.UTC(), End: to.UTC()},
		Events:       events,
		Metadata:     meta,
	}, nil
}

// ExportComplianceReport 匯出 JSON 報告，啟用加密時回傳加密後的 payload
func (l *Logger) ExportComplianceReport(ctx context.Context, from, to time.Time, types []EventType, risks []RiskLevel) ([]byte, error) {
	report, err := l.BuildReport(ctx, from, to, types, risks)
	if err != nil {
		return nil, err
	}

	var enc Encrypter
	if l != nil {
		l.mu.Lock()
		enc = l.encrypter
		l.mu.Unlock()
	}
	encrypt := l != nil && l.cfg.EncryptExports
	if encrypt && enc == nil {
		return nil, fmt.Errorf("audit: export encryption enabled but no encrypter configured")
	}
	report.Metadata.Encrypted = encrypt

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal report: %w", err)
	}
	if encrypt {
		data, err = enc.EncryptBytes(ctx, data, []byte("audit.compliance-report"))
		if err != nil {
			return nil, fmt.Errorf("audit: encrypt report: %w", err)
		}
	}

	_, _ = l.Log(ctx, EventDataExport, "system", ResultSuccess, "compliance_report", NewDetails(
		"events", fmt.Sprintf("%d", report.Metadata.TotalEvents),
		"encrypted", fmt.Sprintf("%t", encrypt),
	))
	return data, nil
}

// Metrics 安全指標
type Metrics struct {
	FailedAuthentications int `json:"failedAuthentications"`
	Lockouts              int `json:"lockouts"`
	Violations            int `json:"violations"`
	HighRiskEvents        int `json:"highRiskEvents"`
}

// SecurityMetrics 統計期間內的高風險事件
func (l *Logger) SecurityMetrics(ctx context.Context, from, to time.Time) (Metrics, error) {
	events, err := l.Query(ctx, Filter{From: from, To: to})
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics
	for _, e := range events {
		switch e.EventType {
		case EventAuthenticationFailure:
			m.FailedAuthentications++
		case EventAccountLockout:
			m.Lockouts++
		case EventSecurityViolation:
			m.Violations++
		}
		if e.RiskLevel.AtLeast(RiskHigh) {
			m.HighRiskEvents++
		}
	}
	return m, nil
}
