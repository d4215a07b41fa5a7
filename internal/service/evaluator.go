package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fxwatch/internal/metrics"
	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

// TriggerEvent is an alert whose condition held and that is outside the dedup window.
type TriggerEvent struct {
	Alert       storage.AlertSetting
	CurrentRate decimal.Decimal
	EvaluatedAt time.Time
}

// EvaluatorOptions tune one evaluation pass.
type EvaluatorOptions struct {
	DedupWindow  time.Duration
	CheckTimeout time.Duration
	Workers      int
	Now          func() time.Time
}

// Evaluator checks active alerts against current rates. It never sends.
type Evaluator struct {
	alerts   storage.AlertStore
	ledger   storage.NotificationStore
	resolver *rates.Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     EvaluatorOptions
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(alerts storage.AlertStore, ledger storage.NotificationStore, resolver *rates.Resolver, opts EvaluatorOptions, m *metrics.Metrics, logger zerolog.Logger) *Evaluator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Evaluator{
		alerts:   alerts,
		ledger:   ledger,
		resolver: resolver,
		metrics:  m,
		logger:   logger.With().Str("component", "evaluator").Logger(),
		opts:     opts,
	}
}

// Evaluate returns the alerts to notify, in active-alert order.
// Only a failure to load active alerts fails the pass; per-alert failures are logged and skipped.
func (e *Evaluator) Evaluate(ctx context.Context) ([]TriggerEvent, error) {
	active, err := e.alerts.ListActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}

	now := e.opts.Now()
	e.metrics.Evaluated(len(active), now)
	if len(active) == 0 {
		return []TriggerEvent{}, nil
	}

	session := e.resolver.Session()
	results := make([]*TriggerEvent, len(active))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, alert := range active {
		g.Go(func() error {
			results[i] = e.evaluateOne(gctx, session, alert, now)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := make([]TriggerEvent, 0, len(active))
	for _, ev := range results {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	e.metrics.Triggered(len(events))
	return events, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, session *rates.Resolver, alert storage.AlertSetting, now time.Time) *TriggerEvent {
	if e.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CheckTimeout)
		defer cancel()
	}
	log := e.logger.With().Str("alert_id", alert.ID).Str("pair", alert.Pair()).Logger()

	rate, err := session.Resolve(ctx, alert.CurrencyFrom, alert.CurrencyTo)
	if err != nil {
		log.Warn().Err(err).Msg("rate unavailable; skipping alert")
		e.metrics.SourceError(alert.Pair())
		return nil
	}

	if !alert.Condition.Met(rate, alert.TargetRate) {
		return nil
	}

	recent, err := e.ledger.RecentNotification(ctx, alert.ID, now.Add(-e.opts.DedupWindow))
	if err != nil {
		log.Error().Err(err).Msg("dedup lookup failed; skipping alert")
		return nil
	}
	if recent {
		log.Debug().Str("rate", rate.String()).Msg("condition met but inside dedup window")
		e.metrics.Suppressed()
		return nil
	}

	log.Info().
		Str("rate", rate.String()).
		Str("target", alert.TargetRate.String()).
		Str("condition", string(alert.Condition)).
		Msg("alert triggered")
	return &TriggerEvent{Alert: alert, CurrentRate: rate, EvaluatedAt: now}
}
