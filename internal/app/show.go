package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

// EnsureSnapshot stores the snapshot for date (today when nil) and prints the run summary.
func (a *App) EnsureSnapshot(ctx context.Context, date *time.Time) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	run := c.snapshots.EnsureRun(ctx, date)
	fmt.Fprintf(a.Out, "date: %s\nsuccess: %t\nduration: %s\n",
		run.Date.Format(time.DateOnly), run.Success, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.Err != nil {
		if errors.Is(run.Err, rates.ErrSourceUnavailable) {
			return fmt.Errorf("rate source unavailable: %w", run.Err)
		}
		return run.Err
	}
	return nil
}

// ShowSnapshot prints the rows stored for date.
func (a *App) ShowSnapshot(ctx context.Context, date time.Time) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	rows, err := c.snapshots.Snapshot(ctx, date)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(a.Out, "no snapshot stored for %s\n", date.Format(time.DateOnly))
		return nil
	}
	printRates(a.Out, rows)
	return nil
}

// ShowLatest refreshes today's snapshot when possible and prints the freshest one.
func (a *App) ShowLatest(ctx context.Context) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	latest, err := c.snapshots.Latest(ctx)
	if err != nil {
		return err
	}
	if len(latest.Rows) == 0 {
		fmt.Fprintln(a.Out, "no snapshots stored")
		return nil
	}

	source := "cached"
	if latest.IsLive {
		source = "live"
	}
	fmt.Fprintf(a.Out, "date: %s (source: %s)\n", latest.Date.Format(time.DateOnly), source)
	printRates(a.Out, latest.Rows)
	return nil
}

// Check runs one evaluation pass without sending and prints what would trigger.
func (a *App) Check(ctx context.Context) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := a.newMonitor(c, nil).ManualCheck(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "checked at %s: %d triggered\n", report.CheckedAt.UTC().Format(time.RFC3339), report.TriggeredCount)
	if report.TriggeredCount == 0 {
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert\tOwner\tPair\tCondition\tTarget\tCurrent")
	for _, al := range report.Alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			al.AlertID, sanitizeInline(al.OwnerID), al.Pair, al.Condition, al.TargetRate.String(), al.CurrentRate.StringFixed(6))
	}
	return writer.Flush()
}

func printRates(out io.Writer, rows []storage.DailyRate) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tPair\tRate\tPrevious\tChange\tChange%")
	for _, r := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Date.Format(time.DateOnly),
			r.Pair(),
			r.Rate.StringFixed(4),
			optionalDecimal(r.PreviousRate, 4),
			optionalDecimal(r.ChangeAmount, 4),
			optionalDecimal(r.ChangePct, 4),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
