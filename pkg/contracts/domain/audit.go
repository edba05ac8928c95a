package domain

import "time"

// AuditEventType enumerates every event the audit trail records.
type AuditEventType string

const (
	EventLicenseCheck      AuditEventType = "license_check"
	EventLicenseValidate   AuditEventType = "license_validate"
	EventLicenseActivate   AuditEventType = "license_activate"
	EventLicenseDeactivate AuditEventType = "license_deactivate"
	EventRateLimitExceeded AuditEventType = "rate_limit_exceeded"
	EventSecurityViolation AuditEventType = "security_violation"
	EventAuthSignIn        AuditEventType = "auth_sign_in"
	EventAuthSignOut       AuditEventType = "auth_sign_out"
	EventRouteDecision     AuditEventType = "route_decision"
)

// AuditEntry is a single append-only audit record. Payload is stored after
// sanitization; sensitive fields never reach persistence.
type AuditEntry struct {
	ID        string         `json:"id" db:"id"`
	EventType AuditEventType `json:"event_type" db:"event_type"`
	UserID    string         `json:"user_id,omitempty" db:"user_id"`
	IP        string         `json:"ip,omitempty" db:"ip"`
	UserAgent string         `json:"user_agent,omitempty" db:"user_agent"`
	Payload   map[string]any `json:"payload,omitempty" db:"payload"`
	Success   bool           `json:"success" db:"success"`
	Error     string         `json:"error,omitempty" db:"error"`
	Duration  time.Duration  `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
