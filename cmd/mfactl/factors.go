package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostedid/mfacore/internal/app"
	"github.com/hostedid/mfacore/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [principal]",
	Short: "Show a principal's MFA configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			status, err := a.MFA.GetMFAStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		})
	},
}

var throttleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Inspect or clear verification lockouts",
}

var throttleStatusCmd = &cobra.Command{
	Use:   "status [principal]",
	Short: "Show the failure counter and lockout of a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := channelFlag(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			state, err := a.Throttle.Status(ctx, args[0], channel)
			if err != nil {
				return err
			}
			return printJSON(cmd, state)
		})
	},
}

var throttleResetCmd = &cobra.Command{
	Use:   "reset [principal]",
	Short: "Clear the failure counter and any lockout of a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := channelFlag(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Throttle.Reset(ctx, args[0], channel); err != nil {
				return err
			}
			a.Security.LogAudit(ctx, model.AuditInput{
				PrincipalID:  args[0],
				Action:       "mfa.throttle_reset",
				ResourceType: "mfa_profile",
				ResourceID:   args[0],
				NewValue:     map[string]string{"channel": string(channel)},
				UserAgent:    operatorMeta.UserAgent,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "throttle reset for %s (%s)\n", args[0], channel)
			return nil
		})
	},
}

var backupCodesCmd = &cobra.Command{
	Use:   "backup-codes",
	Short: "Manage recovery codes",
}

var backupCodesRegenerateCmd = &cobra.Command{
	Use:   "regenerate [principal]",
	Short: "Replace a principal's backup codes and print the new set once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			resp, err := a.MFA.GenerateNewBackupCodes(ctx, args[0], operatorMeta)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{throttleStatusCmd, throttleResetCmd} {
		c.Flags().String("channel", string(model.MFAMethodTOTP), "totp, sms or backup_code")
	}
	throttleCmd.AddCommand(throttleStatusCmd, throttleResetCmd)
	backupCodesCmd.AddCommand(backupCodesRegenerateCmd)
}

func channelFlag(cmd *cobra.Command) (model.MFAMethodType, error) {
	raw, _ := cmd.Flags().GetString("channel")
	channel := model.MFAMethodType(raw)
	if !channel.Valid() {
		return "", fmt.Errorf("unknown channel %q", raw)
	}
	return channel, nil
}
