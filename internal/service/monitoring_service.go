package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hostedid/mfacore/internal/analysis"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
)

const dashboardTopTypes = 10

// MonitoringService reads the security event ledger for anomaly detection,
// the risk dashboard and compliance reports. It never mutates factor state.
type MonitoringService struct {
	events repository.SecurityEventStore
	cfg    config.MonitoringConfig
	log    *logger.Logger
	now    func() time.Time
}

// NewMonitoringService creates a MonitoringService
func NewMonitoringService(events repository.SecurityEventStore, cfg *config.Config, log *logger.Logger) *MonitoringService {
	return &MonitoringService{
		events: events,
		cfg:    cfg.Monitoring,
		log:    log.WithComponent("monitoring_service"),
		now:    time.Now,
	}
}

// WithClock replaces the time source
func (s *MonitoringService) WithClock(now func() time.Time) *MonitoringService {
	s.now = now
	return s
}

// DetectAnomalies analyses one principal's events over the last hour or day
func (s *MonitoringService) DetectAnomalies(ctx context.Context, principalID string, window analysis.Window) (*analysis.AnomalyReport, error) {
	if principalID == "" {
		return nil, &ValidationError{Field: "principal_id", Reason: "is required"}
	}
	if _, err := analysis.ParseWindow(string(window)); err != nil {
		return nil, &ValidationError{Field: "window", Reason: err.Error()}
	}

	now := s.now().UTC()
	filter := model.EventFilter{
		PrincipalID: principalID,
		Since:       now.Add(-window.Duration()),
		Limit:       s.cfg.QueryLimit,
	}
	events, err := s.events.ListSecurityEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load security events: %w", err)
	}

	report := analysis.DetectAnomalies(principalID, events, window, s.cfg, now)
	if filter.Limit > 0 && len(events) >= filter.Limit {
		filter.Limit = 0
		counts, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupByEventType)
		if err != nil {
			return nil, fmt.Errorf("failed to count security events: %w", err)
		}
		report.ApplyFrequencyCounts(counts, s.cfg)
		s.log.Warn().
			Str("principal_id", principalID).
			Str("window", string(window)).
			Int("query_limit", s.cfg.QueryLimit).
			Int("events", report.EventCount).
			Msg("event sample truncated; diversity checks cover the newest events only")
	}
	if len(report.Anomalies) > 0 {
		s.log.Warn().
			Str("principal_id", principalID).
			Str("window", string(window)).
			Int("anomalies", len(report.Anomalies)).
			Str("risk_level", string(report.RiskLevel)).
			Msg("anomalies detected")
	}
	return report, nil
}

// Dashboard summarizes all events in the timeframe and scores the risk
func (s *MonitoringService) Dashboard(ctx context.Context, timeframe analysis.Timeframe) (*analysis.Dashboard, error) {
	if _, err := analysis.ParseTimeframe(string(timeframe)); err != nil {
		return nil, &ValidationError{Field: "timeframe", Reason: err.Error()}
	}

	now := s.now().UTC()
	filter := model.EventFilter{Since: timeframe.Since(now)}

	bySeverity, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupBySeverity)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by severity: %w", err)
	}
	byType, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupByEventType)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by type: %w", err)
	}
	byPrincipal, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupByPrincipal)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by principal: %w", err)
	}

	principals := len(byPrincipal)
	if _, anonymous := byPrincipal[""]; anonymous {
		principals--
	}

	return analysis.BuildDashboard(timeframe, filter.Since, now, bySeverity, byType, principals, dashboardTopTypes), nil
}

// ComplianceReport scores the events recorded in [from, to)
func (s *MonitoringService) ComplianceReport(ctx context.Context, from, to time.Time) (*analysis.ComplianceReport, error) {
	if !from.Before(to) {
		return nil, &ValidationError{Field: "period", Reason: "from must be before to"}
	}

	filter := model.EventFilter{Since: from, Until: to}

	bySeverity, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupBySeverity)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by severity: %w", err)
	}
	byType, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupByEventType)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by type: %w", err)
	}
	byCategory, err := s.events.CountSecurityEventsBy(ctx, filter, repository.GroupByCategory)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by category: %w", err)
	}

	report := analysis.BuildComplianceReport(from, to, bySeverity, byType, byCategory, s.cfg.AccessChangeAllowed)
	s.log.Info().
		Time("from", from).
		Time("to", to).
		Float64("score", report.Score).
		Str("status", string(report.Status)).
		Msg("compliance report generated")
	return report, nil
}
