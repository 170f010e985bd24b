package audit

import "time"

// Action enumerates the auditable security actions.
type Action string

const (
	ActionLogin              Action = "login"
	ActionLogout             Action = "logout"
	ActionPasswordChange     Action = "password_change"
	ActionMFAEnable          Action = "mfa_enable"
	ActionMFADisable         Action = "mfa_disable"
	ActionRoleChange         Action = "role_change"
	ActionPermissionGrant    Action = "permission_grant"
	ActionPermissionRevoke   Action = "permission_revoke"
	ActionDataAccess         Action = "data_access"
	ActionDataExport         Action = "data_export"
	ActionDataDelete         Action = "data_delete"
	ActionAdmin              Action = "admin_action"
	ActionSecurityBreach     Action = "security_breach"
	ActionUnauthorizedAccess Action = "unauthorized_access"
)

// RiskLevel classifies an audited action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return riskOrder[r] >= riskOrder[min]
}

// EventType enumerates detected security conditions, as opposed to user actions.
type EventType string

const (
	EventBruteForceAttempt  EventType = "brute_force_attempt"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventUnauthorizedAccess EventType = "unauthorized_access"
	EventAnomalousBehavior  EventType = "anomalous_behavior"
)

// Severity mirrors RiskLevel for detected events.
type Severity = RiskLevel

// Detail is the closed, versioned payload attached to audit rows and events.
// Fields are optional; only those relevant to the action are set. Adding a
// field bumps detailVersion so stored payloads stay queryable.
type Detail struct {
	Version      int    `json:"v"`
	Reason       string `json:"reason,omitempty"`
	Email        string `json:"email,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
	Permission   string `json:"permission,omitempty"`
	Role         string `json:"role,omitempty"`
	Method       string `json:"method,omitempty"`
	Path         string `json:"path,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Count        int    `json:"count,omitempty"`
	Noop         bool   `json:"noop,omitempty"`
}

const detailVersion = 1

// Entry is a single append-only audit log row.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Action    Action    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	Detail    Detail    `json:"detail"`
	Risk      RiskLevel `json:"risk"`
	CreatedAt time.Time `json:"created_at"`
}

// Event records a detected security condition.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	UserID      string    `json:"user_id,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Description string    `json:"description"`
	Metadata    Detail    `json:"metadata"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is the durable operator-review record synthesized for critical events.
type Alert struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntryFilter narrows AuditLogs reads. Zero values mean "any".
type EntryFilter struct {
	UserID string
	Action Action
	Limit  int
}

// EventFilter narrows SecurityEvents reads.
type EventFilter struct {
	UserID   string
	Type     EventType
	Severity Severity
	Limit    int
}
