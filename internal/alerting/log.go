package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes messages to the logger instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Channel() string { return ChannelLog }

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.Info().
		Str("alert_id", msg.AlertID).
		Str("owner_id", msg.OwnerID).
		Str("pair", msg.Pair).
		Str("rate", msg.Rate.String()).
		Str("subject", msg.Subject).
		Msg(msg.Text)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
