package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/config"
	"fxwatch/internal/storage"
)

// ErrNoRecipient is returned when neither the message nor the directory names an address.
var ErrNoRecipient = errors.New("alerting: no recipient")

// Message is a rendered alert ready for any channel.
type Message struct {
	AlertID     string
	OwnerID     string
	Recipient   string
	Subject     string
	Text        string
	Pair        string
	Condition   storage.Condition
	TargetRate  decimal.Decimal
	Rate        decimal.Decimal
	TriggeredAt time.Time
}

// Notifier delivers messages over one channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, msg Message) error
}

// Directory maps owner ids to channel addresses.
type Directory struct {
	addresses map[string]string
	fallback  string
}

// NewDirectory builds a Directory. fallback is used for owners without an entry.
func NewDirectory(addresses map[string]string, fallback string) Directory {
	cp := make(map[string]string, len(addresses))
	for k, v := range addresses {
		cp[k] = v
	}
	return Directory{addresses: cp, fallback: fallback}
}

// Lookup returns the address for owner.
func (d Directory) Lookup(owner string) (string, bool) {
	if addr, ok := d.addresses[owner]; ok && addr != "" {
		return addr, true
	}
	if d.fallback != "" {
		return d.fallback, true
	}
	return "", false
}

func (d Directory) resolve(msg Message) (string, error) {
	if msg.Recipient != "" {
		return msg.Recipient, nil
	}
	if addr, ok := d.Lookup(msg.OwnerID); ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w for owner %q", ErrNoRecipient, msg.OwnerID)
}

// RenderTrigger builds the alert message for a triggered alert.
func RenderTrigger(alert storage.AlertSetting, rate decimal.Decimal, at time.Time) Message {
	movement, bound := "rose", "at or above"
	if alert.Condition == storage.ConditionBelow {
		movement, bound = "fell", "at or below"
	}

	var b strings.Builder
	b.WriteString("[FX Alert]\n")
	fmt.Fprintf(&b, "Pair: %s\n", alert.Pair())
	fmt.Fprintf(&b, "Target: %s (%s)\n", alert.TargetRate.String(), bound)
	fmt.Fprintf(&b, "Current: %s\n", rate.StringFixed(6))
	fmt.Fprintf(&b, "Triggered: %s UTC\n", at.UTC().Format(time.DateTime))
	fmt.Fprintf(&b, "Alert: %s\n", alert.ID)

	return Message{
		AlertID:     alert.ID,
		OwnerID:     alert.OwnerID,
		Subject:     fmt.Sprintf("FX alert: %s %s", alert.Pair(), movement),
		Text:        b.String(),
		Pair:        alert.Pair(),
		Condition:   alert.Condition,
		TargetRate:  alert.TargetRate,
		Rate:        rate,
		TriggeredAt: at,
	}
}

// Build constructs one notifier per configured channel.
func Build(cfg config.AlertingConfig, logger zerolog.Logger) ([]Notifier, error) {
	out := make([]Notifier, 0, len(cfg.Channels))
	for _, channel := range cfg.Channels {
		switch channel {
		case ChannelLog:
			out = append(out, NewLogNotifier(logger))
		case ChannelTelegram:
			tg := cfg.Telegram
			out = append(out, NewTelegramNotifier(tg.BotToken, NewDirectory(nil, tg.ChatID), tg.APIBase, tg.Timeout, logger))
		case ChannelEmail:
			out = append(out, NewEmailNotifier(cfg.SMTP, NewDirectory(cfg.Recipients, cfg.SMTP.Fallback), logger))
		case ChannelKafka:
			out = append(out, NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger))
		default:
			CloseAll(out)
			return nil, fmt.Errorf("unknown alert channel %q", channel)
		}
	}
	return out, nil
}

// CloseAll releases notifiers holding connections.
func CloseAll(notifiers []Notifier) {
	for _, n := range notifiers {
		if c, ok := n.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
