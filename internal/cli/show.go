package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fxwatch/internal/storage"
)

var snapshotDate string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage daily rate snapshots",
}

var snapshotEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Store the snapshot for a date unless it already exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseOptionalDate("--date", snapshotDate)
		if err != nil {
			return err
		}
		return getApp().EnsureSnapshot(cmd.Context(), date)
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the snapshot stored for a date",
	RunE: func(cmd *cobra.Command, args []string) error {
		if snapshotDate == "" {
			return fmt.Errorf("--date must be provided")
		}
		date, err := storage.ParseDate(snapshotDate)
		if err != nil {
			return fmt.Errorf("invalid --date value: %w", err)
		}
		return getApp().ShowSnapshot(cmd.Context(), date)
	},
}

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Refresh today's snapshot if possible and display the freshest one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowLatest(cmd.Context())
	},
}

func init() {
	snapshotEnsureCmd.Flags().StringVar(&snapshotDate, "date", "", "Snapshot date (YYYY-MM-DD, defaults to today)")
	snapshotShowCmd.Flags().StringVar(&snapshotDate, "date", "", "Snapshot date (YYYY-MM-DD)")

	snapshotCmd.AddCommand(snapshotEnsureCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotLatestCmd)
}

func parseOptionalDate(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	date, err := storage.ParseDate(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &date, nil
}
