package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	testNotifyOwner string
	testNotifyRate  string
)

var testNotifyCmd = &cobra.Command{
	Use:   "test-notify",
	Short: "Send a sample alert over every configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if testNotifyOwner == "" {
			return fmt.Errorf("--owner must be provided")
		}
		rate, err := decimal.NewFromString(testNotifyRate)
		if err != nil || !rate.IsPositive() {
			return fmt.Errorf("--rate must be a positive number")
		}
		return getApp().TestNotify(cmd.Context(), testNotifyOwner, rate)
	},
}

func init() {
	testNotifyCmd.Flags().StringVar(&testNotifyOwner, "owner", "", "Owner id used to resolve recipients")
	testNotifyCmd.Flags().StringVar(&testNotifyRate, "rate", "1000", "Rate shown in the sample message")
}
