// Package analysis derives anomaly signals, risk scores and compliance
// figures from security events. Everything here is a pure function of its
// inputs.
package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/model"
)

// Window is the look-back period of anomaly detection
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
)

// ParseWindow validates a window name
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(s)); w {
	case WindowHour, WindowDay:
		return w, nil
	}
	return "", fmt.Errorf("unknown window %q (want hour or day)", s)
}

// Duration returns the length of the window
func (w Window) Duration() time.Duration {
	if w == WindowDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// AnomalyType names a detector check
type AnomalyType string

const (
	AnomalyUnusualFrequency   AnomalyType = "unusual_frequency"
	AnomalyIPDiversity        AnomalyType = "ip_diversity"
	AnomalyUserAgentDiversity AnomalyType = "user_agent_diversity"
)

// RiskLevel is the overall verdict of an anomaly report
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Anomaly is one detector finding
type Anomaly struct {
	Type        AnomalyType    `json:"type"`
	Severity    model.Severity `json:"severity"`
	EventType   string         `json:"eventType,omitempty"`
	Count       int            `json:"count"`
	Threshold   int            `json:"threshold"`
	Description string         `json:"description"`
}

// AnomalyReport is the result of DetectAnomalies
type AnomalyReport struct {
	PrincipalID string    `json:"principalId"`
	Window      Window    `json:"window"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	EventCount  int       `json:"eventCount"`
	Anomalies   []Anomaly `json:"anomalies"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	// Truncated is set when the event sample hit the query limit. Frequency
	// findings then come from full counts; diversity only saw the sample.
	Truncated bool `json:"truncated,omitempty"`
}

// DetectAnomalies runs the frequency, IP diversity and user-agent diversity
// checks over the events of one principal that fall in the window ending at now
func DetectAnomalies(principalID string, events []*model.SecurityEvent, window Window, cfg config.MonitoringConfig, now time.Time) *AnomalyReport {
	since := now.Add(-window.Duration())
	report := &AnomalyReport{
		PrincipalID: principalID,
		Window:      window,
		Since:       since,
		Until:       now,
		Anomalies:   []Anomaly{},
	}

	inWindow := make([]*model.SecurityEvent, 0, len(events))
	for _, e := range events {
		if e.CreatedAt.Before(since) || e.CreatedAt.After(now) {
			continue
		}
		if principalID != "" && e.Principal() != principalID {
			continue
		}
		inWindow = append(inWindow, e)
	}
	report.EventCount = len(inWindow)

	report.Anomalies = append(report.Anomalies, frequencyAnomalies(inWindow, window, cfg)...)

	ips := distinct(inWindow, func(e *model.SecurityEvent) string {
		if e.IPAddress == model.UnknownIPAddress {
			return ""
		}
		return e.IPAddress
	})
	if a, ok := diversityAnomaly(AnomalyIPDiversity, "IP addresses", ips, cfg); ok {
		report.Anomalies = append(report.Anomalies, a)
	}

	agents := distinct(inWindow, func(e *model.SecurityEvent) string {
		if !strings.Contains(e.EventType, "login") {
			return ""
		}
		return e.UserAgent
	})
	if a, ok := diversityAnomaly(AnomalyUserAgentDiversity, "user agents on login events", agents, cfg); ok {
		report.Anomalies = append(report.Anomalies, a)
	}

	report.RiskLevel = RiskLevelFor(report.Anomalies)
	return report
}

func frequencyAnomalies(events []*model.SecurityEvent, window Window, cfg config.MonitoringConfig) []Anomaly {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.EventType]++
	}
	return FrequencyAnomalies(counts, window, cfg)
}

// FrequencyAnomalies checks per-type event counts against the window's thresholds
func FrequencyAnomalies(counts map[string]int, window Window, cfg config.MonitoringConfig) []Anomaly {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	var anomalies []Anomaly
	for _, eventType := range types {
		limits, ok := cfg.FrequencyThresholds[eventType]
		if !ok {
			continue
		}
		threshold := limits.Hour
		if window == WindowDay {
			threshold = limits.Day
		}
		count := counts[eventType]
		if threshold <= 0 || count <= threshold {
			continue
		}

		severity := model.SeverityMedium
		if count > 2*threshold {
			severity = model.SeverityHigh
		}
		anomalies = append(anomalies, Anomaly{
			Type:        AnomalyUnusualFrequency,
			Severity:    severity,
			EventType:   eventType,
			Count:       count,
			Threshold:   threshold,
			Description: fmt.Sprintf("%d %s events in the last %s (threshold %d)", count, eventType, window, threshold),
		})
	}
	return anomalies
}

// ApplyFrequencyCounts replaces the frequency findings with ones computed from
// complete per-type counts and marks the report truncated
func (r *AnomalyReport) ApplyFrequencyCounts(counts map[string]int, cfg config.MonitoringConfig) {
	anomalies := FrequencyAnomalies(counts, r.Window, cfg)
	for _, a := range r.Anomalies {
		if a.Type != AnomalyUnusualFrequency {
			anomalies = append(anomalies, a)
		}
	}
	if anomalies == nil {
		anomalies = []Anomaly{}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	r.Anomalies = anomalies
	r.EventCount = total
	r.RiskLevel = RiskLevelFor(anomalies)
	r.Truncated = true
}

func diversityAnomaly(typ AnomalyType, what string, n int, cfg config.MonitoringConfig) (Anomaly, bool) {
	if n <= cfg.DiversityLimit {
		return Anomaly{}, false
	}
	severity := model.SeverityMedium
	if n > cfg.DiversityHighLimit {
		severity = model.SeverityHigh
	}
	return Anomaly{
		Type:        typ,
		Severity:    severity,
		Count:       n,
		Threshold:   cfg.DiversityLimit,
		Description: fmt.Sprintf("%d distinct %s (threshold %d)", n, what, cfg.DiversityLimit),
	}, true
}

// distinct counts the different non-empty keys
func distinct(events []*model.SecurityEvent, key func(*model.SecurityEvent) string) int {
	seen := make(map[string]struct{})
	for _, e := range events {
		if k := key(e); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

// RiskLevelFor maps anomaly severities to an overall level
func RiskLevelFor(anomalies []Anomaly) RiskLevel {
	var high, medium int
	for _, a := range anomalies {
		switch a.Severity {
		case model.SeverityHigh, model.SeverityCritical:
			high++
		case model.SeverityMedium:
			medium++
		}
	}

	switch {
	case high >= 3:
		return RiskCritical
	case high >= 1, medium >= 3:
		return RiskHigh
	case medium >= 1:
		return RiskMedium
	}
	return RiskLow
}
