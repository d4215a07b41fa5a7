package app

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"fxwatch/internal/service"
	"fxwatch/internal/storage"
)

// CreateAlert registers a new alert for owner and prints its id.
func (a *App) CreateAlert(ctx context.Context, owner string, in service.AlertInput) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	alert, err := c.alerts.Create(ctx, owner, in)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("alert_id", alert.ID).Str("pair", alert.Pair()).Msg("alert created")
	fmt.Fprintln(a.Out, alert.ID)
	return nil
}

// ListAlerts prints the owner's alerts.
func (a *App) ListAlerts(ctx context.Context, owner string) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	alerts, err := c.alerts.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPair\tCondition\tTarget\tActive\tUpdated (UTC)")
	for _, al := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\n",
			al.ID, al.Pair(), al.Condition, al.TargetRate.String(), al.Active, al.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

// UpdateAlert applies patch to alert id.
func (a *App) UpdateAlert(ctx context.Context, id string, patch storage.AlertPatch) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	alert, err := c.alerts.Update(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", id, err)
	}
	fmt.Fprintf(a.Out, "%s %s %s %s active=%t\n", alert.ID, alert.Pair(), alert.Condition, alert.TargetRate.String(), alert.Active)
	return nil
}

// DeleteAlert removes alert id.
func (a *App) DeleteAlert(ctx context.Context, id string) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.alerts.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	a.Logger.Info().Str("alert_id", id).Msg("alert deleted")
	return nil
}

// AlertStats prints aggregate alert and notification counts as JSON.
func (a *App) AlertStats(ctx context.Context, owner string) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	stats, err := c.alerts.Stats(ctx, owner)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// Notifications prints the owner's notification history, newest first.
func (a *App) Notifications(ctx context.Context, owner string, limit int) error {
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	records, err := c.alerts.History(ctx, owner, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tAlert\tChannel\tRate")
	for _, r := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", r.SentAt.UTC().Format(time.RFC3339), r.AlertID, r.Channel, r.TriggeredRate.String())
	}
	return writer.Flush()
}
