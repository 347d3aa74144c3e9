package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hostedid/mfacore/internal/database"
	"github.com/hostedid/mfacore/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// MFARepository handles MFA profile persistence
type MFARepository struct {
	db *database.Postgres
}

// NewMFARepository creates a new MFARepository
func NewMFARepository(db *database.Postgres) *MFARepository {
	return &MFARepository{db: db}
}

const profileColumns = `principal_id, totp_secret, totp_enabled, totp_enabled_at,
	phone_number, sms_enabled, sms_enabled_at, preferred_method,
	backup_codes, backup_codes_used, version, created_at, updated_at`

// GetProfile retrieves the MFA profile of a principal
func (r *MFARepository) GetProfile(ctx context.Context, principalID string) (*model.MFAProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM mfa_profiles WHERE principal_id = $1`

	var p model.MFAProfile
	err := r.db.GetContext(ctx, &p, query, principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA profile: %w", err)
	}
	return &p, nil
}

// CreateProfile inserts a new MFA profile
func (r *MFARepository) CreateProfile(ctx context.Context, profile *model.MFAProfile) error {
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = profile.CreatedAt
	if profile.Version == 0 {
		profile.Version = 1
	}

	query := `
		INSERT INTO mfa_profiles (` + profileColumns + `)
		VALUES (:principal_id, :totp_secret, :totp_enabled, :totp_enabled_at,
		    :phone_number, :sms_enabled, :sms_enabled_at, :preferred_method,
		    :backup_codes, :backup_codes_used, :version, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, profile); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create MFA profile: %w", err)
	}
	return nil
}

// UpdateProfile writes the profile if nobody else has since the caller read it
func (r *MFARepository) UpdateProfile(ctx context.Context, profile *model.MFAProfile) error {
	expected := profile.Version
	updatedAt := time.Now().UTC()

	query := `
		UPDATE mfa_profiles SET
		    totp_secret = $1, totp_enabled = $2, totp_enabled_at = $3,
		    phone_number = $4, sms_enabled = $5, sms_enabled_at = $6,
		    preferred_method = $7, backup_codes = $8, backup_codes_used = $9,
		    version = version + 1, updated_at = $10
		WHERE principal_id = $11 AND version = $12
	`
	result, err := r.db.ExecContext(ctx, query,
		profile.TOTPSecret,
		profile.TOTPEnabled,
		profile.TOTPEnabledAt,
		profile.PhoneNumber,
		profile.SMSEnabled,
		profile.SMSEnabledAt,
		profile.PreferredMethod,
		profile.BackupCodes,
		profile.BackupCodesUsed,
		updatedAt,
		profile.PrincipalID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update MFA profile: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update MFA profile: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM mfa_profiles WHERE principal_id = $1)`, profile.PrincipalID); err != nil {
			return fmt.Errorf("failed to check MFA profile: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	profile.Version = expected + 1
	profile.UpdatedAt = updatedAt
	return nil
}

var _ ProfileStore = (*MFARepository)(nil)
