package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostedid/mfacore/internal/database"
	"github.com/hostedid/mfacore/internal/model"
)

// SecurityEventRepository handles security event persistence
type SecurityEventRepository struct {
	db *database.Postgres
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.Postgres) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

type securityEventRow struct {
	model.SecurityEvent
	DetailsJSON []byte `db:"details"`
}

const securityEventColumns = `id, principal_id, event_type, category, severity, description,
	details, ip_address, user_agent, correlation_id, created_at`

// CreateSecurityEvent appends an event to the ledger
func (r *SecurityEventRepository) CreateSecurityEvent(ctx context.Context, event *model.SecurityEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil || event.Details == nil {
		detailsJSON = []byte("{}")
	}

	query := `
		INSERT INTO security_events (` + securityEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.PrincipalID,
		event.EventType,
		event.Category,
		event.Severity,
		event.Description,
		string(detailsJSON),
		event.IPAddress,
		event.UserAgent,
		event.CorrelationID,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns matching events, newest first
func (r *SecurityEventRepository) ListSecurityEvents(ctx context.Context, filter model.EventFilter) ([]*model.SecurityEvent, error) {
	w := eventWhere(filter)
	query := `SELECT ` + securityEventColumns + ` FROM security_events` + w.String() +
		` ORDER BY created_at DESC` + w.page(filter.Limit, filter.Offset)

	var rows []securityEventRow
	if err := r.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}

	events := make([]*model.SecurityEvent, 0, len(rows))
	for i := range rows {
		e := rows[i].SecurityEvent
		if len(rows[i].DetailsJSON) > 0 {
			if err := json.Unmarshal(rows[i].DetailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode security event details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, nil
}

// CountSecurityEvents counts matching events
func (r *SecurityEventRepository) CountSecurityEvents(ctx context.Context, filter model.EventFilter) (int, error) {
	w := eventWhere(filter)
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM security_events`+w.String(), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return count, nil
}

// CountSecurityEventsBy counts matching events grouped by one column
func (r *SecurityEventRepository) CountSecurityEventsBy(ctx context.Context, filter model.EventFilter, field GroupField) (map[string]int, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: group by %q", ErrInvalidInput, field)
	}

	w := eventWhere(filter)
	// field is whitelisted above
	query := fmt.Sprintf(`SELECT COALESCE(%[1]s, '') AS key, COUNT(*) AS count
		FROM security_events%[2]s GROUP BY %[1]s`, field, w.String())

	var rows []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to group security events: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Key] = row.Count
	}
	return counts, nil
}

var _ SecurityEventStore = (*SecurityEventRepository)(nil)
