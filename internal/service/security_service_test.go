package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/email"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository/memory"
	"github.com/hostedid/mfacore/internal/service"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Message
}

func (m *fakeMailer) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// brokenStore fails every write
type brokenStore struct{ *memory.Store }

var errStoreDown = errors.New("store down")

func (b *brokenStore) CreateSecurityEvent(context.Context, *model.SecurityEvent) error {
	return errStoreDown
}

func (b *brokenStore) CreateAuditLog(context.Context, *model.AuditLog) error {
	return errStoreDown
}

func newSecurityService(t *testing.T, cfg *config.Config, alerter email.Sender, log *logger.Logger) (*service.SecurityService, *memory.Store) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	store := memory.New()
	clock := &fakeClock{now: epoch}
	return service.NewSecurityService(store, store, alerter, cfg, metrics.NewNop(), log).WithClock(clock.Now), store
}

func onlyEvent(t *testing.T, store *memory.Store) *model.SecurityEvent {
	t.Helper()
	events, err := store.ListSecurityEvents(context.Background(), model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func TestLogSecurityEvent_Defaults(t *testing.T) {
	svc, store := newSecurityService(t, nil, nil, nil)

	svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{
		PrincipalID:  model.AnonymousPrincipal,
		EventType:    model.EventFailedLogin,
		Severity:     model.Severity("catastrophic"),
		Details:      model.LoginDetails{Reason: "bad_password", FailedAttempt: 3},
		ResourceType: "user_session",
		ResourceID:   "sess_1",
	})

	e := onlyEvent(t, store)
	assert.NotEmpty(t, e.ID)
	assert.Nil(t, e.PrincipalID)
	assert.Nil(t, e.CorrelationID)
	assert.Equal(t, model.UnknownIPAddress, e.IPAddress)
	assert.Equal(t, model.SeverityLow, e.Severity)
	assert.Equal(t, model.CategoryAuthentication, e.Category)
	assert.Equal(t, "Failed Login on User Session", e.Description)
	assert.Equal(t, epoch, e.CreatedAt)
	assert.Equal(t, map[string]interface{}{
		"reason":          "bad_password",
		"failed_attempts": float64(3),
		"resource_type":   "user_session",
		"resource_id":     "sess_1",
	}, e.Details)
}

func TestLogSecurityEvent_KeepsCallerFields(t *testing.T) {
	svc, store := newSecurityService(t, nil, nil, nil)

	svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{
		PrincipalID:   "alice",
		EventType:     model.EventMFALockout,
		Category:      model.CategoryMFA,
		Severity:      model.SeverityHigh,
		IPAddress:     "198.51.100.2",
		UserAgent:     "curl/8.0",
		CorrelationID: "req-42",
	})

	e := onlyEvent(t, store)
	require.NotNil(t, e.PrincipalID)
	assert.Equal(t, "alice", *e.PrincipalID)
	require.NotNil(t, e.CorrelationID)
	assert.Equal(t, "req-42", *e.CorrelationID)
	assert.Equal(t, "198.51.100.2", e.IPAddress)
	assert.Equal(t, model.SeverityHigh, e.Severity)
	assert.Equal(t, "Mfa Lockout", e.Description)
	assert.Empty(t, e.Details)
}

func TestLogSecurityEvent_InfersCategory(t *testing.T) {
	tests := map[string]model.EventCategory{
		model.EventPermissionChange:        model.CategoryAccessControl,
		model.EventRoleChange:              model.CategoryAccessControl,
		model.EventMFAVerificationFailed:   model.CategoryMFA,
		model.EventBackupCodeUsed:          model.CategoryMFA,
		model.EventSMSCodeSent:             model.CategoryMFA,
		model.EventLoginAttempt:            model.CategoryAuthentication,
		model.EventPasswordChange:          model.CategoryAuthentication,
		model.EventSecretDecryptionFailure: model.CategorySystem,
	}

	for eventType, want := range tests {
		t.Run(eventType, func(t *testing.T) {
			svc, store := newSecurityService(t, nil, nil, nil)
			svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{PrincipalID: "alice", EventType: eventType})
			assert.Equal(t, want, onlyEvent(t, store).Category)
		})
	}
}

func TestLogSecurityEvent_CriticalSendsAlert(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.Email.Enabled = true
	cfg.Alerts.Email.Recipients = []string{"security@example.com"}
	mailer := &fakeMailer{}
	var buf bytes.Buffer

	svc, store := newSecurityService(t, cfg, mailer, logger.NewWriter(&buf))
	svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{
		PrincipalID:  "alice",
		EventType:    model.EventSecretDecryptionFailure,
		Severity:     model.SeverityCritical,
		Details:      model.Fields{"error": "message authentication failed"},
		ResourceType: "mfa_profile",
		ResourceID:   "alice",
	})
	svc.Wait()

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, []string{"security@example.com"}, msg.To)
	assert.Contains(t, msg.Subject, "Secret Decryption Failure on Mfa Profile")
	assert.Contains(t, msg.TextBody, "alice")

	assert.Contains(t, buf.String(), "CRITICAL SECURITY EVENT")
	assert.Equal(t, model.SeverityCritical, onlyEvent(t, store).Severity)

	// Non-critical events are not mailed
	svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{PrincipalID: "alice", EventType: model.EventMFALockout, Severity: model.SeverityHigh})
	svc.Wait()
	assert.Len(t, mailer.sent, 1)
}

func TestLogSecurityEvent_AlertsDisabled(t *testing.T) {
	mailer := &fakeMailer{}
	svc, _ := newSecurityService(t, nil, mailer, nil)

	svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{EventType: model.EventSecretDecryptionFailure, Severity: model.SeverityCritical})
	svc.Wait()
	assert.Empty(t, mailer.sent)
}

func TestLedgerFailuresAreSwallowed(t *testing.T) {
	broken := &brokenStore{Store: memory.New()}
	m := metrics.NewNop()
	svc := service.NewSecurityService(broken, broken, nil, config.Default(), m, logger.Nop())

	assert.NotPanics(t, func() {
		svc.LogSecurityEvent(context.Background(), model.SecurityEventInput{PrincipalID: "alice", EventType: model.EventMFASetup})
		svc.LogAudit(context.Background(), model.AuditInput{PrincipalID: "alice", Action: model.AuditActionMFATOTPSetup})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerWriteFailures.WithLabelValues("security_events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerWriteFailures.WithLabelValues("audit_records")))
}

func TestLogAudit(t *testing.T) {
	svc, store := newSecurityService(t, nil, nil, nil)
	ctx := context.Background()

	svc.LogAudit(ctx, model.AuditInput{
		PrincipalID:  "alice",
		Action:       model.AuditActionMFAMethodDisabled,
		ResourceType: "mfa_profile",
		ResourceID:   "alice",
		OldValue:     map[string]interface{}{"enabled": true},
		NewValue:     map[string]interface{}{"enabled": false},
		IPAddress:    "203.0.113.7",
	})

	logs, err := store.ListAuditLogs(ctx, model.AuditFilter{PrincipalID: "alice"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	a := logs[0]
	assert.Equal(t, model.AuditActionMFAMethodDisabled, a.Action)
	require.NotNil(t, a.ResourceID)
	assert.Equal(t, "alice", *a.ResourceID)
	require.NotNil(t, a.IPAddress)
	assert.Nil(t, a.UserAgent)
	assert.JSONEq(t, `{"enabled":true}`, string(a.OldValue))
	assert.JSONEq(t, `{"enabled":false}`, string(a.NewValue))
	assert.Nil(t, a.Performance)
}

func TestLogAuditWithPerformance_WarnsOverLimits(t *testing.T) {
	var buf bytes.Buffer
	svc, store := newSecurityService(t, nil, nil, logger.NewWriter(&buf))
	ctx := context.Background()

	svc.LogAuditWithPerformance(ctx, model.AuditInput{PrincipalID: "alice", Action: "mfa.report"},
		model.PerformanceMetrics{ResponseTimeMs: 100, MemoryUsageBytes: 1024})
	assert.NotContains(t, buf.String(), "slow operation")
	assert.NotContains(t, buf.String(), "high memory usage")

	svc.LogAuditWithPerformance(ctx, model.AuditInput{PrincipalID: "alice", Action: "mfa.report"},
		model.PerformanceMetrics{ResponseTimeMs: 7500, MemoryUsageBytes: 200 * 1024 * 1024})
	assert.Contains(t, buf.String(), "slow operation")
	assert.Contains(t, buf.String(), "high memory usage")

	logs, err := store.ListAuditLogs(ctx, model.AuditFilter{Action: "mfa.report"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, a := range logs {
		require.NotNil(t, a.Performance)
	}

	raw, err := json.Marshal(logs[0].Performance)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "responseTimeMs")
}
