package repository

import (
	"context"

	"github.com/hostedid/mfacore/internal/model"
)

// GroupField names a column security events can be counted by
type GroupField string

const (
	GroupByEventType GroupField = "event_type"
	GroupBySeverity  GroupField = "severity"
	GroupByCategory  GroupField = "category"
	GroupByPrincipal GroupField = "principal_id"
)

// Valid reports whether g is a supported grouping
func (g GroupField) Valid() bool {
	switch g {
	case GroupByEventType, GroupBySeverity, GroupByCategory, GroupByPrincipal:
		return true
	}
	return false
}

// ProfileStore persists MFA profiles
type ProfileStore interface {
	GetProfile(ctx context.Context, principalID string) (*model.MFAProfile, error)
	CreateProfile(ctx context.Context, profile *model.MFAProfile) error
	// UpdateProfile writes profile only if the stored version still equals
	// profile.Version, then increments profile.Version. A lost race returns
	// ErrConflict.
	UpdateProfile(ctx context.Context, profile *model.MFAProfile) error
}

// SecurityEventStore is the append-only security event ledger
type SecurityEventStore interface {
	CreateSecurityEvent(ctx context.Context, event *model.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, filter model.EventFilter) ([]*model.SecurityEvent, error)
	CountSecurityEvents(ctx context.Context, filter model.EventFilter) (int, error)
	CountSecurityEventsBy(ctx context.Context, filter model.EventFilter, field GroupField) (map[string]int, error)
}

// AuditStore is the append-only audit ledger
type AuditStore interface {
	CreateAuditLog(ctx context.Context, log *model.AuditLog) error
	ListAuditLogs(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLog, error)
}
