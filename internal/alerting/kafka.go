package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertEvent is the JSON payload published for each triggered alert.
type AlertEvent struct {
	AlertID     string          `json:"alert_id"`
	OwnerID     string          `json:"owner_id"`
	Pair        string          `json:"pair"`
	Condition   string          `json:"condition"`
	TargetRate  decimal.Decimal `json:"target_rate"`
	Rate        decimal.Decimal `json:"rate"`
	Subject     string          `json:"subject"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// KafkaNotifier publishes alert events keyed by alert id.
type KafkaNotifier struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaNotifier constructs a publisher for topic.
func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

func (n *KafkaNotifier) Channel() string { return ChannelKafka }

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(AlertEvent{
		AlertID:     msg.AlertID,
		OwnerID:     msg.OwnerID,
		Pair:        msg.Pair,
		Condition:   string(msg.Condition),
		TargetRate:  msg.TargetRate,
		Rate:        msg.Rate,
		Subject:     msg.Subject,
		TriggeredAt: msg.TriggeredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AlertID),
		Value: payload,
		Time:  msg.TriggeredAt,
	}); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}

	n.logger.Debug().Str("alert_id", msg.AlertID).Msg("alert event published")
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
