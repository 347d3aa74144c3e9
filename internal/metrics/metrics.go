// Package metrics defines the Prometheus instruments of the MFA core.
//
// Metrics are registered through promauto against an injected registerer so
// tests can use a private registry:
//   - verification outcomes per channel: verifications_total{channel,outcome}
//   - lockouts per channel: lockouts_total{channel}
//   - recorded events: security_events_total{event_type,severity}
//   - ledger write failures: ledger_write_failures_total{ledger}
//   - dashboard gauges: dashboard_risk_score{timeframe}, dashboard_events{timeframe,severity}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verification outcomes
const (
	OutcomeSuccess = "success"
	OutcomeInvalid = "invalid"
	OutcomeLocked  = "locked"
	OutcomeError   = "error"
)

// Metrics holds every instrument
type Metrics struct {
	Verifications        *prometheus.CounterVec
	VerificationLatency  *prometheus.HistogramVec
	Lockouts             *prometheus.CounterVec
	SecurityEvents       *prometheus.CounterVec
	LedgerWriteFailures  *prometheus.CounterVec
	SMSCodesSent         prometheus.Counter
	BackupCodesRemaining prometheus.Histogram

	// Dashboard gauges, refreshed by the monitor loop
	DashboardRiskScore *prometheus.GaugeVec
	DashboardEvents    *prometheus.GaugeVec
}

// New registers the instruments with reg under namespace
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "mfacore"
	}
	f := promauto.With(reg)

	return &Metrics{
		Verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mfa",
				Name:      "verifications_total",
				Help:      "Second-factor verification attempts by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		VerificationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mfa",
				Name:      "verification_duration_seconds",
				Help:      "Duration of guarded verification checks by channel.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		Lockouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mfa",
				Name:      "lockouts_total",
				Help:      "Lockouts imposed by the attempt throttle by channel.",
			},
			[]string{"channel"},
		),
		SecurityEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "security_events_total",
				Help:      "Security events recorded by type and severity.",
			},
			[]string{"event_type", "severity"},
		),
		LedgerWriteFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "write_failures_total",
				Help:      "Security event and audit writes that failed and were dropped.",
			},
			[]string{"ledger"},
		),
		SMSCodesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mfa",
			Name:      "sms_codes_sent_total",
			Help:      "SMS one-time codes handed to the delivery gateway.",
		}),
		BackupCodesRemaining: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mfa",
			Name:      "backup_codes_remaining",
			Help:      "Unused backup codes left after a successful backup code verification.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		DashboardRiskScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "risk_score",
				Help:      "Risk score (0-100) of the security dashboard by timeframe.",
			},
			[]string{"timeframe"},
		),
		DashboardEvents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "events",
				Help:      "Security events in the dashboard timeframe by severity.",
			},
			[]string{"timeframe", "severity"},
		),
	}
}

// NewNop returns instruments bound to a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "")
}
