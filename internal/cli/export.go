package cli

import (
	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPairs     []string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored daily snapshots as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Pairs:     exportPairs,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.From, err = parseOptionalDate("--from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseOptionalDate("--to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First date (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last date (YYYY-MM-DD, inclusive, defaults to today)")
	exportCmd.Flags().StringSliceVar(&exportPairs, "pair", nil, "Restrict to pairs such as USD/KRW (repeatable)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points per pair (defaults to config)")
}
