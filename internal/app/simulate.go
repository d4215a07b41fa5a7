package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/alerting"
	"fxwatch/internal/storage"
)

// TestNotify sends a sample alert for owner over every configured channel.
// Nothing is written to the notification ledger.
func (a *App) TestNotify(ctx context.Context, owner string, rate decimal.Decimal) error {
	notifiers, err := a.newNotifiers()
	if err != nil {
		return err
	}
	if len(notifiers) == 0 {
		return errors.New("no alert channels configured")
	}
	defer alerting.CloseAll(notifiers)

	sample := storage.AlertSetting{
		ID:           "test-notification",
		OwnerID:      owner,
		CurrencyFrom: "USD",
		CurrencyTo:   a.Config.Snapshot.Quote,
		TargetRate:   rate,
		Condition:    storage.ConditionAbove,
		Active:       true,
	}
	msg := alerting.RenderTrigger(sample, rate, time.Now())
	msg.Subject = "[test] " + msg.Subject

	var failed int
	for _, n := range notifiers {
		log := a.Logger.With().Str("channel", n.Channel()).Logger()
		if err := n.Notify(ctx, msg); err != nil {
			failed++
			log.Error().Err(err).Msg("test notification failed")
			fmt.Fprintf(a.Out, "%s: FAILED (%v)\n", n.Channel(), err)
			continue
		}
		fmt.Fprintf(a.Out, "%s: ok\n", n.Channel())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d channels failed", failed, len(notifiers))
	}
	return nil
}
