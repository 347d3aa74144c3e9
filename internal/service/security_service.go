package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/email"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
)

// EventRecorder accepts security events and audit records. Recording is
// best-effort and never fails the caller.
type EventRecorder interface {
	LogSecurityEvent(ctx context.Context, in model.SecurityEventInput)
	LogAudit(ctx context.Context, in model.AuditInput)
}

// SecurityService writes the security event and audit ledgers
type SecurityService struct {
	events   repository.SecurityEventStore
	audits   repository.AuditStore
	alerter  email.Sender
	alertCfg config.EmailAlertConfig
	monCfg   config.MonitoringConfig
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
	alerts   sync.WaitGroup
}

// NewSecurityService creates a SecurityService. alerter may be nil, in which
// case critical events are only logged.
func NewSecurityService(
	events repository.SecurityEventStore,
	audits repository.AuditStore,
	alerter email.Sender,
	cfg *config.Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *SecurityService {
	return &SecurityService{
		events:   events,
		audits:   audits,
		alerter:  alerter,
		alertCfg: cfg.Alerts.Email,
		monCfg:   cfg.Monitoring,
		metrics:  m,
		log:      log.WithComponent("security_service"),
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (s *SecurityService) WithClock(now func() time.Time) *SecurityService {
	s.now = now
	return s
}

// Wait blocks until in-flight alert mails have finished
func (s *SecurityService) Wait() {
	s.alerts.Wait()
}

// LogSecurityEvent appends an event to the ledger
func (s *SecurityService) LogSecurityEvent(ctx context.Context, in model.SecurityEventInput) {
	if err := s.record(ctx, in); err != nil {
		s.metrics.LedgerWriteFailures.WithLabelValues("security_events").Inc()
		s.log.Error().Err(err).Str("event_type", in.EventType).Msg("failed to record security event")
	}
}

func (s *SecurityService) record(ctx context.Context, in model.SecurityEventInput) error {
	event := s.buildEvent(in)

	if event.Severity == model.SeverityCritical {
		s.log.SecurityAlert(event.EventType, event.Principal(), event.IPAddress, event.UserAgent, event.Details)
		s.sendAlert(event)
	}

	s.metrics.SecurityEvents.WithLabelValues(event.EventType, string(event.Severity)).Inc()
	if err := s.events.CreateSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to store security event: %w", err)
	}
	return nil
}

func (s *SecurityService) buildEvent(in model.SecurityEventInput) *model.SecurityEvent {
	event := &model.SecurityEvent{
		ID:          generateID("evt"),
		EventType:   in.EventType,
		Category:    in.Category,
		Severity:    in.Severity,
		Description: s.describe(in.EventType, in.ResourceType),
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		CreatedAt:   s.now().UTC(),
	}

	if in.PrincipalID != "" && in.PrincipalID != model.AnonymousPrincipal {
		principal := in.PrincipalID
		event.PrincipalID = &principal
	}
	if in.CorrelationID != "" {
		correlation := in.CorrelationID
		event.CorrelationID = &correlation
	}
	if event.IPAddress == "" {
		event.IPAddress = model.UnknownIPAddress
	}
	if !event.Severity.Valid() {
		event.Severity = model.SeverityLow
	}
	if event.Category == "" {
		event.Category = categoryFor(in.EventType)
	}

	details := map[string]interface{}{}
	if in.Details != nil {
		details = in.Details.Fields()
	}
	if in.ResourceType != "" {
		details["resource_type"] = in.ResourceType
	}
	if in.ResourceID != "" {
		details["resource_id"] = in.ResourceID
	}
	event.Details = details

	return event
}

// describe turns "mfa_lockout" + "mfa_profile" into "Mfa Lockout on Mfa Profile"
func (s *SecurityService) describe(eventType, resourceType string) string {
	// Casers are stateful; one per call
	title := cases.Title(language.English)
	desc := title.String(strings.ReplaceAll(eventType, "_", " "))
	if resourceType != "" {
		desc += " on " + title.String(strings.ReplaceAll(resourceType, "_", " "))
	}
	return desc
}

func categoryFor(eventType string) model.EventCategory {
	switch {
	case eventType == model.EventPermissionChange || eventType == model.EventRoleChange:
		return model.CategoryAccessControl
	case strings.HasPrefix(eventType, "mfa_"),
		strings.HasPrefix(eventType, "backup_code"),
		strings.HasPrefix(eventType, "sms_"):
		return model.CategoryMFA
	case strings.Contains(eventType, "login"), eventType == model.EventPasswordChange:
		return model.CategoryAuthentication
	}
	return model.CategorySystem
}

// sendAlert mails critical events without blocking the caller
func (s *SecurityService) sendAlert(event *model.SecurityEvent) {
	if s.alerter == nil || !s.alertCfg.Enabled || len(s.alertCfg.Recipients) == 0 {
		return
	}

	msg := email.AlertMessage(email.Alert{
		EventType:   event.EventType,
		Description: event.Description,
		PrincipalID: event.Principal(),
		IPAddress:   event.IPAddress,
		UserAgent:   event.UserAgent,
		OccurredAt:  event.CreatedAt,
		Details:     event.Details,
	}, s.alertCfg.Recipients)

	timeout := s.alertCfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.alerter.Send(ctx, msg); err != nil {
			s.log.Error().Err(err).Str("event_id", event.ID).Msg("failed to send security alert email")
		}
	}()
}

// LogAudit appends a record to the audit ledger
func (s *SecurityService) LogAudit(ctx context.Context, in model.AuditInput) {
	if err := s.recordAudit(ctx, in, nil); err != nil {
		s.metrics.LedgerWriteFailures.WithLabelValues("audit_records").Inc()
		s.log.Error().Err(err).Str("action", in.Action).Msg("failed to record audit log")
	}
}

// LogAuditWithPerformance appends an audit record carrying the cost of the
// operation and warns when it crossed the configured limits
func (s *SecurityService) LogAuditWithPerformance(ctx context.Context, in model.AuditInput, perf model.PerformanceMetrics) {
	if limit := s.monCfg.SlowResponse; limit > 0 && perf.ResponseTimeMs > limit.Milliseconds() {
		s.log.Warn().
			Str("action", in.Action).
			Int64("response_time_ms", perf.ResponseTimeMs).
			Int64("limit_ms", limit.Milliseconds()).
			Msg("slow operation")
	}
	if limit := s.monCfg.MemoryLimitBytes; limit > 0 && perf.MemoryUsageBytes > limit {
		s.log.Warn().
			Str("action", in.Action).
			Int64("memory_usage_bytes", perf.MemoryUsageBytes).
			Int64("limit_bytes", limit).
			Msg("high memory usage")
	}

	if err := s.recordAudit(ctx, in, &perf); err != nil {
		s.metrics.LedgerWriteFailures.WithLabelValues("audit_records").Inc()
		s.log.Error().Err(err).Str("action", in.Action).Msg("failed to record audit log")
	}
}

func (s *SecurityService) recordAudit(ctx context.Context, in model.AuditInput, perf *model.PerformanceMetrics) error {
	oldValue, err := marshalValue(in.OldValue)
	if err != nil {
		return fmt.Errorf("failed to encode old value: %w", err)
	}
	newValue, err := marshalValue(in.NewValue)
	if err != nil {
		return fmt.Errorf("failed to encode new value: %w", err)
	}

	record := &model.AuditLog{
		ID:           generateID("aud"),
		UserID:       in.PrincipalID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		OldValue:     oldValue,
		NewValue:     newValue,
		Performance:  perf,
		CreatedAt:    s.now().UTC(),
	}
	if in.ResourceID != "" {
		record.ResourceID = &in.ResourceID
	}
	if in.IPAddress != "" {
		record.IPAddress = &in.IPAddress
	}
	if in.UserAgent != "" {
		record.UserAgent = &in.UserAgent
	}

	s.log.AuditLog(in.PrincipalID, in.Action, in.ResourceType, in.ResourceID, nil)

	if err := s.audits.CreateAuditLog(ctx, record); err != nil {
		return fmt.Errorf("failed to store audit log: %w", err)
	}
	return nil
}

func marshalValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
