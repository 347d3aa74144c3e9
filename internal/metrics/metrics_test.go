package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/metrics"
)

func TestNew_RegistersUnderNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "acme")

	m.Verifications.WithLabelValues("totp", metrics.OutcomeSuccess).Inc()
	m.Lockouts.WithLabelValues("totp").Inc()
	m.DashboardRiskScore.WithLabelValues("day").Set(42)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["acme_mfa_verifications_total"])
	assert.True(t, names["acme_mfa_lockouts_total"])
	assert.True(t, names["acme_dashboard_risk_score"])

	assert.Equal(t, 42.0, testutil.ToFloat64(m.DashboardRiskScore.WithLabelValues("day")))
}

func TestNewNop_IsIndependent(t *testing.T) {
	// Separate registries, so repeated construction never collides
	a := metrics.NewNop()
	b := metrics.NewNop()
	a.SMSCodesSent.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SMSCodesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SMSCodesSent))
}
