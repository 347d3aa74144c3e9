package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hostedid/mfacore/internal/model"
)

// Timeframe is the look-back period of the dashboard
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// ParseTimeframe validates a timeframe name
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(s)); tf {
	case TimeframeDay, TimeframeWeek, TimeframeMonth:
		return tf, nil
	}
	return "", fmt.Errorf("unknown timeframe %q (want day, week or month)", s)
}

// Since returns the start of the timeframe ending at now
func (tf Timeframe) Since(now time.Time) time.Time {
	switch tf {
	case TimeframeWeek:
		return now.AddDate(0, 0, -7)
	case TimeframeMonth:
		return now.AddDate(0, -1, 0)
	}
	return now.Add(-24 * time.Hour)
}

// RiskScore weighs critical events 10 and high events 5 against the total,
// on a 0-100 scale
func RiskScore(total, critical, high int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(critical*10+high*5) / float64(total*10)))
}

// ComplianceStatus buckets a compliance score
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "compliant"
	StatusPartial      ComplianceStatus = "partial"
	StatusNonCompliant ComplianceStatus = "non-compliant"
)

// ComplianceCounts are the event counts a compliance score is computed from
type ComplianceCounts struct {
	Critical             int
	High                 int
	Medium               int
	AccessControlChanges int
}

// ComplianceScore starts at 100 and deducts per severity and per access-control
// change beyond the allowance, clamped to [0, 100]
func ComplianceScore(c ComplianceCounts, accessChangeAllowance int) (float64, ComplianceStatus) {
	score := 100.0
	score -= 15 * float64(c.Critical)
	score -= 8 * float64(c.High)
	score -= 3 * float64(c.Medium)
	if excess := c.AccessControlChanges - accessChangeAllowance; excess > 0 {
		score -= 0.5 * float64(excess)
	}
	score = math.Max(0, math.Min(100, score))

	switch {
	case score >= 90:
		return score, StatusCompliant
	case score >= 70:
		return score, StatusPartial
	}
	return score, StatusNonCompliant
}

// TypeCount is an event type with its count
type TypeCount struct {
	EventType string `json:"eventType"`
	Count     int    `json:"count"`
}

// Dashboard summarizes security events over a timeframe
type Dashboard struct {
	Timeframe        Timeframe              `json:"timeframe"`
	Since            time.Time              `json:"since"`
	Until            time.Time              `json:"until"`
	TotalEvents      int                    `json:"totalEvents"`
	BySeverity       map[model.Severity]int `json:"bySeverity"`
	TopEventTypes    []TypeCount            `json:"topEventTypes"`
	UniquePrincipals int                    `json:"uniquePrincipals"`
	RiskScore        int                    `json:"riskScore"`
}

// BuildDashboard assembles a dashboard from grouped counts
func BuildDashboard(tf Timeframe, since, until time.Time, bySeverity, byType map[string]int, principals int, top int) *Dashboard {
	d := &Dashboard{
		Timeframe:        tf,
		Since:            since,
		Until:            until,
		BySeverity:       make(map[model.Severity]int, len(bySeverity)),
		TopEventTypes:    TopTypes(byType, top),
		UniquePrincipals: principals,
	}
	for sev, n := range bySeverity {
		d.BySeverity[model.Severity(sev)] = n
		d.TotalEvents += n
	}
	d.RiskScore = RiskScore(d.TotalEvents, d.BySeverity[model.SeverityCritical], d.BySeverity[model.SeverityHigh])
	return d
}

// TopTypes returns the n most frequent event types, ties broken by name
func TopTypes(byType map[string]int, n int) []TypeCount {
	out := make([]TypeCount, 0, len(byType))
	for t, c := range byType {
		out = append(out, TypeCount{EventType: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ComplianceReport is the periodic compliance summary
type ComplianceReport struct {
	From                 time.Time              `json:"from"`
	To                   time.Time              `json:"to"`
	TotalEvents          int                    `json:"totalEvents"`
	BySeverity           map[model.Severity]int `json:"bySeverity"`
	ByEventType          map[string]int         `json:"byEventType"`
	AccessControlChanges int                    `json:"accessControlChanges"`
	FailedMFAAttempts    int                    `json:"failedMfaAttempts"`
	Lockouts             int                    `json:"lockouts"`
	Score                float64                `json:"score"`
	Status               ComplianceStatus       `json:"status"`
	Recommendations      []string               `json:"recommendations"`
}

// BuildComplianceReport scores the period and derives recommendations
func BuildComplianceReport(from, to time.Time, bySeverity, byType, byCategory map[string]int, accessChangeAllowance int) *ComplianceReport {
	r := &ComplianceReport{
		From:                 from,
		To:                   to,
		BySeverity:           make(map[model.Severity]int, len(bySeverity)),
		ByEventType:          byType,
		AccessControlChanges: byCategory[string(model.CategoryAccessControl)],
		FailedMFAAttempts:    byType[model.EventMFAVerificationFailed],
		Lockouts:             byType[model.EventMFALockout],
	}
	for sev, n := range bySeverity {
		r.BySeverity[model.Severity(sev)] = n
		r.TotalEvents += n
	}

	r.Score, r.Status = ComplianceScore(ComplianceCounts{
		Critical:             r.BySeverity[model.SeverityCritical],
		High:                 r.BySeverity[model.SeverityHigh],
		Medium:               r.BySeverity[model.SeverityMedium],
		AccessControlChanges: r.AccessControlChanges,
	}, accessChangeAllowance)

	r.Recommendations = recommendations(r, accessChangeAllowance)
	return r
}

func recommendations(r *ComplianceReport, accessChangeAllowance int) []string {
	var recs []string
	if n := r.BySeverity[model.SeverityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("Investigate %d critical security events", n))
	}
	if n := r.BySeverity[model.SeverityHigh]; n > 0 {
		recs = append(recs, fmt.Sprintf("Review %d high severity security events", n))
	}
	if r.Lockouts > 0 {
		recs = append(recs, fmt.Sprintf("Follow up on %d MFA lockouts with the affected principals", r.Lockouts))
	}
	if r.FailedMFAAttempts > 0 {
		recs = append(recs, "Review principals with repeated MFA verification failures")
	}
	if r.AccessControlChanges > accessChangeAllowance {
		recs = append(recs, fmt.Sprintf("Audit %d access-control changes (allowance %d)", r.AccessControlChanges, accessChangeAllowance))
	}
	if len(recs) == 0 {
		recs = append(recs, "No action required")
	}
	return recs
}
