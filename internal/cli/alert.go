package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fxwatch/internal/service"
	"fxwatch/internal/storage"
)

var (
	alertOwner     string
	alertFrom      string
	alertTo        string
	alertTarget    string
	alertCondition string
	alertActive    bool
	historyLimit   int
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage alert settings",
}

var alertCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := decimal.NewFromString(alertTarget)
		if err != nil {
			return fmt.Errorf("invalid --target value: %w", err)
		}
		return getApp().CreateAlert(cmd.Context(), alertOwner, service.AlertInput{
			CurrencyFrom: alertFrom,
			CurrencyTo:   alertTo,
			TargetRate:   target,
			Condition:    alertCondition,
		})
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertOwner)
	},
}

var alertUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an alert's target, condition or active flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch storage.AlertPatch
		if cmd.Flags().Changed("target") {
			target, err := decimal.NewFromString(alertTarget)
			if err != nil {
				return fmt.Errorf("invalid --target value: %w", err)
			}
			patch.TargetRate = &target
		}
		if cmd.Flags().Changed("condition") {
			cond, err := storage.ParseCondition(alertCondition)
			if err != nil {
				return err
			}
			patch.Condition = &cond
		}
		if cmd.Flags().Changed("active") {
			active := alertActive
			patch.Active = &active
		}
		if patch.TargetRate == nil && patch.Condition == nil && patch.Active == nil {
			return fmt.Errorf("nothing to update; pass --target, --condition or --active")
		}
		return getApp().UpdateAlert(cmd.Context(), args[0], patch)
	},
}

var alertDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DeleteAlert(cmd.Context(), args[0])
	},
}

var alertStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise an owner's alerts and notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AlertStats(cmd.Context(), alertOwner)
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show an owner's notification history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertOwner == "" {
			return fmt.Errorf("--owner must be provided")
		}
		return getApp().Notifications(cmd.Context(), alertOwner, historyLimit)
	},
}

func init() {
	for _, c := range []*cobra.Command{alertCreateCmd, alertListCmd, alertStatsCmd} {
		c.Flags().StringVar(&alertOwner, "owner", "", "Owner id")
		_ = c.MarkFlagRequired("owner")
	}
	notificationsCmd.Flags().StringVar(&alertOwner, "owner", "", "Owner id")
	notificationsCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of records to display")

	alertCreateCmd.Flags().StringVar(&alertFrom, "from", "", "Base currency code, e.g. USD")
	alertCreateCmd.Flags().StringVar(&alertTo, "to", "", "Quote currency code, e.g. KRW")
	alertCreateCmd.Flags().StringVar(&alertTarget, "target", "", "Target rate")
	alertCreateCmd.Flags().StringVar(&alertCondition, "condition", "above", "above or below")
	_ = alertCreateCmd.MarkFlagRequired("from")
	_ = alertCreateCmd.MarkFlagRequired("to")
	_ = alertCreateCmd.MarkFlagRequired("target")

	alertUpdateCmd.Flags().StringVar(&alertTarget, "target", "", "New target rate")
	alertUpdateCmd.Flags().StringVar(&alertCondition, "condition", "", "above or below")
	alertUpdateCmd.Flags().BoolVar(&alertActive, "active", true, "Enable or disable the alert")

	alertCmd.AddCommand(alertCreateCmd)
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertUpdateCmd)
	alertCmd.AddCommand(alertDeleteCmd)
	alertCmd.AddCommand(alertStatsCmd)
}
