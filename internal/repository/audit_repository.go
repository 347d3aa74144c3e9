package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hostedid/mfacore/internal/database"
	"github.com/hostedid/mfacore/internal/model"
)

// AuditRepository handles audit log persistence
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

type auditRow struct {
	ID              string    `db:"id"`
	PrincipalID     string    `db:"principal_id"`
	Action          string    `db:"action"`
	ResourceType    string    `db:"resource_type"`
	ResourceID      *string   `db:"resource_id"`
	OldValue        []byte    `db:"old_value"`
	NewValue        []byte    `db:"new_value"`
	PerformanceJSON []byte    `db:"performance"`
	IPAddress       *string   `db:"ip_address"`
	UserAgent       *string   `db:"user_agent"`
	CreatedAt       time.Time `db:"created_at"`
}

const auditColumns = `id, principal_id, action, resource_type, resource_id,
	old_value, new_value, performance, ip_address, user_agent, created_at`

// CreateAuditLog inserts a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *model.AuditLog) error {
	var perfJSON []byte
	if log.Performance != nil {
		b, err := json.Marshal(log.Performance)
		if err != nil {
			return fmt.Errorf("failed to encode performance metrics: %w", err)
		}
		perfJSON = b
	}

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		nullableJSON(log.OldValue),
		nullableJSON(log.NewValue),
		nullableJSON(perfJSON),
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns matching audit records, newest first
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filter model.AuditFilter) ([]*model.AuditLog, error) {
	w := auditWhere(filter)
	query := `SELECT ` + auditColumns + ` FROM audit_records` + w.String() +
		` ORDER BY created_at DESC` + w.page(filter.Limit, filter.Offset)

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	logs := make([]*model.AuditLog, 0, len(rows))
	for _, row := range rows {
		l := &model.AuditLog{
			ID:           row.ID,
			UserID:       row.PrincipalID,
			Action:       row.Action,
			ResourceType: row.ResourceType,
			ResourceID:   row.ResourceID,
			OldValue:     row.OldValue,
			NewValue:     row.NewValue,
			IPAddress:    row.IPAddress,
			UserAgent:    row.UserAgent,
			CreatedAt:    row.CreatedAt,
		}
		if len(row.PerformanceJSON) > 0 {
			var perf model.PerformanceMetrics
			if err := json.Unmarshal(row.PerformanceJSON, &perf); err != nil {
				return nil, fmt.Errorf("failed to decode performance metrics: %w", err)
			}
			l.Performance = &perf
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// nullableJSON maps an empty document to SQL NULL
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ AuditStore = (*AuditRepository)(nil)
