// Command mfactl is the operator CLI of the MFA core: key generation,
// security dashboards, compliance reports, anomaly checks and per-principal
// factor maintenance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hostedid/mfacore/internal/app"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/model"
)

var rootCmd = &cobra.Command{
	Use:          "mfactl",
	Short:        "Operate the HostedID MFA core",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(
		keygenCmd,
		dashboardCmd,
		complianceCmd,
		anomaliesCmd,
		statusCmd,
		throttleCmd,
		backupCodesCmd,
		monitorCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// operatorMeta tags events caused by CLI actions
var operatorMeta = model.RequestMeta{UserAgent: "mfactl"}

// withApp loads configuration, wires the core and runs fn against it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.NewWithConfig(cfg.Log).WithComponent("mfactl")

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
