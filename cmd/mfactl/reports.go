package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostedid/mfacore/internal/analysis"
	"github.com/hostedid/mfacore/internal/app"
	"github.com/hostedid/mfacore/internal/secret"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random encryption key for security.encryption.key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Summarize security events and the risk score",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("timeframe")
		tf, err := analysis.ParseTimeframe(raw)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			d, err := a.Monitoring.Dashboard(ctx, tf)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		})
	},
}

var complianceCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Score the security events of a period",
	Long:  "Dates are YYYY-MM-DD or RFC 3339. The period is [from, to); it defaults to the last 30 days.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -30)

		if raw, _ := cmd.Flags().GetString("to"); raw != "" {
			t, err := parseDate(raw)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			to = t
		}
		if raw, _ := cmd.Flags().GetString("from"); raw != "" {
			t, err := parseDate(raw)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			from = t
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			r, err := a.Monitoring.ComplianceReport(ctx, from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		})
	},
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Check one principal's recent events for anomalies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, _ := cmd.Flags().GetString("principal")
		raw, _ := cmd.Flags().GetString("window")
		window, err := analysis.ParseWindow(raw)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Monitoring.DetectAnomalies(ctx, principal, window)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func init() {
	dashboardCmd.Flags().String("timeframe", string(analysis.TimeframeDay), "day, week or month")

	complianceCmd.Flags().String("from", "", "start of the period (inclusive)")
	complianceCmd.Flags().String("to", "", "end of the period (exclusive)")

	anomaliesCmd.Flags().String("principal", "", "principal to analyse")
	anomaliesCmd.Flags().String("window", string(analysis.WindowHour), "hour or day")
	_ = anomaliesCmd.MarkFlagRequired("principal")
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
