package model

import "time"

// EventDetails is the structured payload of a security event. The known
// shapes below cover the categories this core emits; Fields is the open
// fallback for anything else.
type EventDetails interface {
	Fields() map[string]interface{}
}

// Fields is a free-form detail map
type Fields map[string]interface{}

func (f Fields) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// MFADetails describes an enrollment or verification outcome
type MFADetails struct {
	Method            MFAMethodType
	Reason            string
	Attempts          int
	RemainingAttempts *int
	BackupCodesLeft   *int
}

func (d MFADetails) Fields() map[string]interface{} {
	f := map[string]interface{}{}
	if d.Method != "" {
		f["method"] = string(d.Method)
	}
	if d.Reason != "" {
		f["reason"] = d.Reason
	}
	if d.Attempts > 0 {
		f["attempts"] = d.Attempts
	}
	if d.RemainingAttempts != nil {
		f["remaining_attempts"] = *d.RemainingAttempts
	}
	if d.BackupCodesLeft != nil {
		f["backup_codes_remaining"] = *d.BackupCodesLeft
	}
	return f
}

// LockoutDetails describes a throttle lockout
type LockoutDetails struct {
	Channel      string
	AttemptCount int
	LockedUntil  time.Time
}

func (d LockoutDetails) Fields() map[string]interface{} {
	return map[string]interface{}{
		"channel":       d.Channel,
		"attempt_count": d.AttemptCount,
		"locked_until":  d.LockedUntil.UTC().Format(time.RFC3339),
	}
}

// AccessChangeDetails describes a permission or role change
type AccessChangeDetails struct {
	ChangedBy string
	Subject   string
	OldValue  string
	NewValue  string
}

func (d AccessChangeDetails) Fields() map[string]interface{} {
	f := map[string]interface{}{}
	if d.ChangedBy != "" {
		f["changed_by"] = d.ChangedBy
	}
	if d.Subject != "" {
		f["subject"] = d.Subject
	}
	if d.OldValue != "" {
		f["old_value"] = d.OldValue
	}
	if d.NewValue != "" {
		f["new_value"] = d.NewValue
	}
	return f
}

// LoginDetails describes a primary authentication attempt reported by the platform
type LoginDetails struct {
	Reason        string
	FailedAttempt int
}

func (d LoginDetails) Fields() map[string]interface{} {
	f := map[string]interface{}{}
	if d.Reason != "" {
		f["reason"] = d.Reason
	}
	if d.FailedAttempt > 0 {
		f["failed_attempts"] = d.FailedAttempt
	}
	return f
}
