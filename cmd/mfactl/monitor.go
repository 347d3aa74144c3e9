package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hostedid/mfacore/internal/analysis"
	"github.com/hostedid/mfacore/internal/app"
	"github.com/hostedid/mfacore/internal/model"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve /metrics and refresh the dashboard gauges periodically",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			return errors.New("--interval must be positive")
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := a.DB.HealthCheck(r.Context()); err != nil {
					http.Error(w, "database unavailable", http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})

			srv := &http.Server{
				Addr:         addr,
				Handler:      mux,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.Log.Info().Str("addr", addr).Msg("metrics server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			refreshDashboards(ctx, a)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					refreshDashboards(ctx, a)
				case err := <-errCh:
					return err
				case <-ctx.Done():
					a.Log.Info().Msg("shutting down metrics server...")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				}
			}
		})
	},
}

func init() {
	monitorCmd.Flags().String("addr", ":9464", "listen address")
	monitorCmd.Flags().Duration("interval", time.Minute, "dashboard refresh interval")
}

var monitoredSeverities = []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical}

func refreshDashboards(ctx context.Context, a *app.App) {
	for _, tf := range []analysis.Timeframe{analysis.TimeframeDay, analysis.TimeframeWeek} {
		d, err := a.Monitoring.Dashboard(ctx, tf)
		if err != nil {
			a.Log.Error().Err(err).Str("timeframe", string(tf)).Msg("failed to refresh dashboard")
			continue
		}
		a.Metrics.DashboardRiskScore.WithLabelValues(string(tf)).Set(float64(d.RiskScore))
		for _, sev := range monitoredSeverities {
			a.Metrics.DashboardEvents.WithLabelValues(string(tf), string(sev)).Set(float64(d.BySeverity[sev]))
		}
	}
}
