package model

import (
	"encoding/json"
	"time"
)

// Severity ranks security events
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// EventCategory groups event types for reporting
type EventCategory string

const (
	CategoryAuthentication EventCategory = "authentication"
	CategoryMFA            EventCategory = "mfa"
	CategoryAccessControl  EventCategory = "access_control"
	CategoryDataAccess     EventCategory = "data_access"
	CategorySystem         EventCategory = "system"
)

// Security event types
const (
	EventLoginAttempt            = "login_attempt"
	EventFailedLogin             = "failed_login"
	EventPasswordChange          = "password_change"
	EventMFASetup                = "mfa_setup"
	EventMFAEnabled              = "mfa_enabled"
	EventMFADisabled             = "mfa_disabled"
	EventMFAVerificationSuccess  = "mfa_verification_success"
	EventMFAVerificationFailed   = "mfa_verification_failed"
	EventMFALockout              = "mfa_lockout"
	EventMFAPreferredChanged     = "mfa_preferred_method_changed"
	EventBackupCodeUsed          = "backup_code_used"
	EventBackupCodesRegenerated  = "backup_codes_regenerated"
	EventSMSCodeSent             = "sms_code_sent"
	EventSMSSetup                = "sms_setup"
	EventPermissionChange        = "permission_change"
	EventRoleChange              = "role_change"
	EventSecretDecryptionFailure = "secret_decryption_failure"
)

// AnonymousPrincipal is the sentinel callers use for unauthenticated actors
const AnonymousPrincipal = "anonymous"

// UnknownIPAddress is stored when the caller supplies no address
const UnknownIPAddress = "unknown"

// SecurityEvent is an immutable entry of the security event ledger
type SecurityEvent struct {
	ID            string                 `json:"id" db:"id"`
	PrincipalID   *string                `json:"principalId,omitempty" db:"principal_id"`
	EventType     string                 `json:"eventType" db:"event_type"`
	Category      EventCategory          `json:"category" db:"category"`
	Severity      Severity               `json:"severity" db:"severity"`
	Description   string                 `json:"description" db:"description"`
	Details       map[string]interface{} `json:"details,omitempty" db:"-"`
	IPAddress     string                 `json:"ipAddress" db:"ip_address"`
	UserAgent     string                 `json:"userAgent" db:"user_agent"`
	CorrelationID *string                `json:"correlationId,omitempty" db:"correlation_id"`
	CreatedAt     time.Time              `json:"createdAt" db:"created_at"`
}

// Principal returns the principal ID or "" for anonymous events
func (e *SecurityEvent) Principal() string {
	if e.PrincipalID == nil {
		return ""
	}
	return *e.PrincipalID
}

// SecurityEventInput is what callers hand to the recorder
type SecurityEventInput struct {
	PrincipalID   string
	EventType     string
	Category      EventCategory
	Severity      Severity
	Details       EventDetails
	ResourceType  string
	ResourceID    string
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// EventFilter selects security events. Zero fields do not filter.
type EventFilter struct {
	PrincipalID string
	EventTypes  []string
	Categories  []EventCategory
	Severities  []Severity
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// AuditLog represents an entry of the audit ledger
type AuditLog struct {
	ID           string              `json:"id" db:"id"`
	UserID       string              `json:"userId" db:"principal_id"`
	Action       string              `json:"action" db:"action"`
	ResourceType string              `json:"resourceType" db:"resource_type"`
	ResourceID   *string             `json:"resourceId,omitempty" db:"resource_id"`
	OldValue     json.RawMessage     `json:"oldValue,omitempty" db:"old_value"`
	NewValue     json.RawMessage     `json:"newValue,omitempty" db:"new_value"`
	Performance  *PerformanceMetrics `json:"performance,omitempty" db:"-"`
	IPAddress    *string             `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent    *string             `json:"userAgent,omitempty" db:"user_agent"`
	CreatedAt    time.Time           `json:"createdAt" db:"created_at"`
}

// AuditInput is what callers hand to LogAudit
type AuditInput struct {
	PrincipalID  string
	Action       string
	ResourceType string
	ResourceID   string
	OldValue     interface{}
	NewValue     interface{}
	IPAddress    string
	UserAgent    string
}

// PerformanceMetrics captures the cost of the audited operation
type PerformanceMetrics struct {
	ResponseTimeMs   int64   `json:"responseTimeMs"`
	MemoryUsageBytes int64   `json:"memoryUsageBytes,omitempty"`
	Throughput       float64 `json:"throughput,omitempty"`
	CPUTimeMs        int64   `json:"cpuTimeMs,omitempty"`
}

// AuditFilter selects audit records. Zero fields do not filter.
type AuditFilter struct {
	PrincipalID  string
	Action       string
	ResourceType string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Audit action constants
const (
	AuditActionMFATOTPSetup      = "mfa.totp_setup"
	AuditActionMFATOTPEnabled    = "mfa.totp_enabled"
	AuditActionMFASMSSetup       = "mfa.sms_setup"
	AuditActionMFASMSEnabled     = "mfa.sms_enabled"
	AuditActionMFAMethodDisabled = "mfa.method_disabled"
	AuditActionMFABackupCodesGen = "mfa.backup_codes_generated"
	AuditActionMFAPreferred      = "mfa.preferred_method_changed"
)

// Matches reports whether e satisfies the filter, ignoring Limit and Offset
func (f EventFilter) Matches(e *SecurityEvent) bool {
	if f.PrincipalID != "" && e.Principal() != f.PrincipalID {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Categories) > 0 && !contains(f.Categories, e.Category) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, e.Severity) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Matches reports whether a satisfies the filter, ignoring Limit and Offset
func (f AuditFilter) Matches(a *AuditLog) bool {
	if f.PrincipalID != "" && a.UserID != f.PrincipalID {
		return false
	}
	if f.Action != "" && a.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && a.ResourceType != f.ResourceType {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !a.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
