package audit

import (
	"time"
)

// EventType 審計事件類型
type EventType string

const (
	EventAuthenticationSuccess EventType = "authentication_success"
	EventAuthenticationFailure EventType = "authentication_failure"
	EventAccountLockout        EventType = "account_lockout"
	EventSecurityViolation     EventType = "security_violation"
	EventUnauthorizedAccess    EventType = "unauthorized_access"
	EventPrivilegeEscalation   EventType = "privilege_escalation"
	EventSuspiciousActivity    EventType = "suspicious_activity"

	EventCredentialAccess   EventType = "credential_access"
	EventCredentialModified EventType = "credential_modification"
	EventCredentialDeletion EventType = "credential_deletion"
	EventKeyAccess          EventType = "key_access"
	EventKeyRotation        EventType = "key_rotation"
	EventKeyDeletion        EventType = "key_deletion"
	EventDataModification   EventType = "data_modification"
	EventDataDeletion       EventType = "data_deletion"
	EventDataExport         EventType = "data_export"
	EventDataMigration      EventType = "data_migration"

	EventCredentialCreation EventType = "credential_creation"
	EventKeyCreation        EventType = "key_creation"
	EventDataAccess         EventType = "data_access"
)

// RiskLevel 風險等級
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// 固定的事件類型 -> 風險等級對照表
var riskTable = map[EventType]RiskLevel{
	EventAuthenticationFailure: RiskHigh,
	EventAccountLockout:        RiskHigh,
	EventSecurityViolation:     RiskHigh,
	EventUnauthorizedAccess:    RiskHigh,
	EventPrivilegeEscalation:   RiskHigh,
	EventSuspiciousActivity:    RiskHigh,

	EventCredentialAccess:   RiskMedium,
	EventCredentialModified: RiskMedium,
	EventCredentialDeletion: RiskMedium,
	EventKeyAccess:          RiskMedium,
	EventKeyRotation:        RiskMedium,
	EventKeyDeletion:        RiskMedium,
	EventDataModification:   RiskMedium,
	EventDataDeletion:       RiskMedium,
	EventDataExport:         RiskMedium,
	EventDataMigration:      RiskMedium,

	EventAuthenticationSuccess: RiskLow,
	EventCredentialCreation:    RiskLow,
	EventKeyCreation:           RiskLow,
	EventDataAccess:            RiskLow,
}

// RiskOf 查表取得風險等級，未知類型一律視為 high
func RiskOf(t EventType) RiskLevel {
	if r, ok := riskTable[t]; ok {
		return r
	}
	return RiskHigh
}

var keyEvents = []EventType{EventKeyCreation, EventKeyAccess, EventKeyRotation, EventKeyDeletion}

// KeyEventTypes 金鑰相關事件類型
func KeyEventTypes() []EventType {
	return append([]EventType(nil), keyEvents...)
}

// IsKeyEvent 金鑰相關事件
func IsKeyEvent(t EventType) bool {
	for _, k := range keyEvents {
		if k == t {
			return true
		}
	}
	return false
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// AtLeast 風險等級是否不低於 other
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Result 事件結果
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Event 審計事件，寫入後不再修改
type Event struct {
	ID        string    `json:"id" bson:"event_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	EventType EventType `json:"eventType" bson:"event_type"`
	RiskLevel RiskLevel `json:"riskLevel" bson:"risk_level"`
	UserID    string    `json:"userId" bson:"user_id"`
	Result    Result    `json:"result" bson:"result"`
	Method    string    `json:"method,omitempty" bson:"method,omitempty"`
	Details   Details   `json:"details,omitempty" bson:"details,omitempty"`
}

// Filter 查詢條件，零值欄位不過濾
type Filter struct {
	From   time.Time
	To     time.Time
	Types  []EventType
	Risks  []RiskLevel
	UserID string
}

// Match 事件是否符合條件（From/To 為閉區間）
func (f Filter) Match(e Event) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.EventType) {
		return false
	}
	if len(f.Risks) > 0 && !containsRisk(f.Risks, e.RiskLevel) {
		return false
	}
	return true
}

func containsType(list []EventType, t EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsRisk(list []RiskLevel, r RiskLevel) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
