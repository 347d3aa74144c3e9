package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/database"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
)

// openTestDB connects to MFACORE_TEST_DATABASE_DSN and applies migrations
func openTestDB(t *testing.T) *database.Postgres {
	t.Helper()
	dsn := os.Getenv("MFACORE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MFACORE_TEST_DATABASE_DSN not set")
	}

	db, err := database.NewPostgresFromDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver, err := postgres.WithInstance(db.DB.DB, &postgres.Config{})
	require.NoError(t, err)
	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	return db
}

func TestPostgres_ProfileLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewMFARepository(db)
	principal := "it-" + uuid.NewString()

	secret := "iv:ct"
	p := &model.MFAProfile{PrincipalID: principal, TOTPSecret: &secret}
	require.NoError(t, repo.CreateProfile(ctx, p))
	assert.ErrorIs(t, repo.CreateProfile(ctx, &model.MFAProfile{PrincipalID: principal}), repository.ErrDuplicate)

	got, err := repo.GetProfile(ctx, principal)
	require.NoError(t, err)
	assert.True(t, got.HasPendingTOTP())
	stale := got.Clone()

	now := time.Now().UTC()
	method := model.MFAMethodTOTP
	got.TOTPEnabled = true
	got.TOTPEnabledAt = &now
	got.PreferredMethod = &method
	require.NoError(t, repo.UpdateProfile(ctx, got))
	assert.EqualValues(t, 2, got.Version)

	stale.SMSEnabled = true
	assert.ErrorIs(t, repo.UpdateProfile(ctx, stale), repository.ErrConflict)

	reloaded, err := repo.GetProfile(ctx, principal)
	require.NoError(t, err)
	assert.True(t, reloaded.TOTPEnabled)
	require.NotNil(t, reloaded.PreferredMethod)
	assert.Equal(t, model.MFAMethodTOTP, *reloaded.PreferredMethod)

	_, err = repo.GetProfile(ctx, "it-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPostgres_SecurityEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewSecurityEventRepository(db)
	principal := "it-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Second)

	for i, typ := range []string{model.EventLoginAttempt, model.EventLoginAttempt, model.EventFailedLogin} {
		require.NoError(t, repo.CreateSecurityEvent(ctx, &model.SecurityEvent{
			ID:          "evt_" + uuid.NewString(),
			PrincipalID: &principal,
			EventType:   typ,
			Category:    model.CategoryAuthentication,
			Severity:    model.SeverityLow,
			Description: "Test Event",
			Details:     map[string]interface{}{"n": i},
			IPAddress:   "10.0.0.1",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	filter := model.EventFilter{PrincipalID: principal}
	events, err := repo.ListSecurityEvents(ctx, filter)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventFailedLogin, events[0].EventType)
	assert.Equal(t, float64(2), events[0].Details["n"])

	n, err := repo.CountSecurityEvents(ctx, model.EventFilter{PrincipalID: principal, EventTypes: []string{model.EventLoginAttempt}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byType, err := repo.CountSecurityEventsBy(ctx, filter, repository.GroupByEventType)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.EventLoginAttempt: 2, model.EventFailedLogin: 1}, byType)
}

func TestPostgres_AuditRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := repository.NewAuditRepository(db)
	principal := "it-" + uuid.NewString()

	newValue, err := json.Marshal(map[string]bool{"totpEnabled": true})
	require.NoError(t, err)
	require.NoError(t, repo.CreateAuditLog(ctx, &model.AuditLog{
		ID:           "aud_" + uuid.NewString(),
		UserID:       principal,
		Action:       model.AuditActionMFATOTPEnabled,
		ResourceType: "mfa_profile",
		NewValue:     newValue,
		Performance:  &model.PerformanceMetrics{ResponseTimeMs: 7000},
		CreatedAt:    time.Now().UTC(),
	}))

	logs, err := repo.ListAuditLogs(ctx, model.AuditFilter{PrincipalID: principal})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].OldValue)
	assert.JSONEq(t, `{"totpEnabled": true}`, string(logs[0].NewValue))
	require.NotNil(t, logs[0].Performance)
	assert.EqualValues(t, 7000, logs[0].Performance.ResponseTimeMs)
}
