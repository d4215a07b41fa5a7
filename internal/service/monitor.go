package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/alerting"
	"fxwatch/internal/metrics"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/snapshot"
	"fxwatch/internal/storage"
)

// ErrStopTimeout is returned by Stop when the in-flight cycle outlives the stop timeout.
var ErrStopTimeout = errors.New("monitoring loop did not stop in time")

// MonitorOptions tune the monitoring loop.
type MonitorOptions struct {
	StopTimeout     time.Duration
	NotifyTimeout   time.Duration
	AdvisoryLockKey int64
	SnapshotOnCycle bool
	Now             func() time.Time
}

// Status describes the monitoring loop.
type Status struct {
	Running          bool       `json:"is_running"`
	IntervalSeconds  int64      `json:"check_interval_seconds"`
	ActiveAlertCount int        `json:"active_alerts_count"`
	LastCheck        *time.Time `json:"last_check"`
}

// CheckedAlert is one entry of a manual check report.
type CheckedAlert struct {
	AlertID     string            `json:"alert_id"`
	OwnerID     string            `json:"user_id"`
	Pair        string            `json:"currency_pair"`
	TargetRate  decimal.Decimal   `json:"target_rate"`
	CurrentRate decimal.Decimal   `json:"current_rate"`
	Condition   storage.Condition `json:"condition"`
}

// CheckReport is the dry-run result of ManualCheck.
type CheckReport struct {
	CheckedAt      time.Time      `json:"check_time"`
	TriggeredCount int            `json:"triggered_count"`
	Alerts         []CheckedAlert `json:"alerts"`
}

// Monitor runs evaluation cycles in the background and dispatches notifications.
type Monitor struct {
	evaluator *Evaluator
	alerts    storage.AlertStore
	ledger    storage.NotificationStore
	snapshots *snapshot.Engine
	notifiers []alerting.Notifier
	scheduler *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	opts      MonitorOptions

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastCheck time.Time
}

// NewMonitor constructs a Monitor. snapshots may be nil; locker is detected from alerts.
func NewMonitor(evaluator *Evaluator, alerts storage.AlertStore, ledger storage.NotificationStore, snapshots *snapshot.Engine, notifiers []alerting.Notifier, sched *scheduler.Scheduler, opts MonitorOptions, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := alerts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Monitor{
		evaluator: evaluator,
		alerts:    alerts,
		ledger:    ledger,
		snapshots: snapshots,
		notifiers: notifiers,
		scheduler: sched,
		locker:    locker,
		metrics:   m,
		logger:    logger.With().Str("component", "monitor").Logger(),
		opts:      opts,
	}
}

// Start launches the background loop. Calling Start while running logs a warning and does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Warn().Msg("monitoring already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.running = true
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		err := m.scheduler.Run(loopCtx, m.RunCycle)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("monitoring loop exited")
		}
		m.mu.Lock()
		if m.done == done {
			m.running = false
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
	}()

	m.logger.Info().Dur("interval", m.scheduler.Interval()).Msg("monitoring started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle, bounded by the stop timeout.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.logger.Info().Msg("monitoring stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waited %s", ErrStopTimeout, m.opts.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the loop state and the active alert count.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	active, err := m.alerts.ListActiveAlerts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list active alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{Running: m.running, ActiveAlertCount: len(active)}
	if m.scheduler != nil {
		status.IntervalSeconds = int64(m.scheduler.Interval() / time.Second)
	}
	if !m.lastCheck.IsZero() {
		last := m.lastCheck
		status.LastCheck = &last
	}
	return status, nil
}

// ManualCheck evaluates alerts once without sending or recording anything.
func (m *Monitor) ManualCheck(ctx context.Context) (CheckReport, error) {
	events, err := m.evaluator.Evaluate(ctx)
	if err != nil {
		return CheckReport{}, err
	}

	report := CheckReport{
		CheckedAt:      m.opts.Now(),
		TriggeredCount: len(events),
		Alerts:         make([]CheckedAlert, 0, len(events)),
	}
	for _, ev := range events {
		report.Alerts = append(report.Alerts, CheckedAlert{
			AlertID:     ev.Alert.ID,
			OwnerID:     ev.Alert.OwnerID,
			Pair:        ev.Alert.Pair(),
			TargetRate:  ev.Alert.TargetRate,
			CurrentRate: ev.CurrentRate,
			Condition:   ev.Alert.Condition,
		})
	}
	return report, nil
}

// RunCycle performs one monitoring cycle. It is the scheduler's tick function.
func (m *Monitor) RunCycle(ctx context.Context, at time.Time) error {
	started := time.Now()

	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		m.metrics.ObserveCycle("error", time.Since(started))
		return err
	}
	if !proceed {
		m.logger.Debug().Time("at", at).Msg("skip cycle because advisory lock held elsewhere")
		m.metrics.ObserveCycle("skipped", time.Since(started))
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	events, err := m.evaluator.Evaluate(ctx)
	if err != nil {
		m.metrics.ObserveCycle("error", time.Since(started))
		return fmt.Errorf("evaluate alerts: %w", err)
	}

	if len(events) == 0 {
		m.logger.Info().Msg("no alerts triggered")
	} else {
		m.logger.Info().Int("triggered", len(events)).Msg("dispatching triggered alerts")
	}
	for _, ev := range events {
		m.dispatch(ctx, ev)
	}

	if m.opts.SnapshotOnCycle && m.snapshots != nil {
		if err := m.snapshots.Ensure(ctx, m.snapshots.Today()); err != nil {
			m.logger.Warn().Err(err).Msg("daily snapshot not stored this cycle")
		}
	}

	m.mu.Lock()
	m.lastCheck = m.opts.Now()
	m.mu.Unlock()

	m.metrics.ObserveCycle("ok", time.Since(started))
	return nil
}

// dispatch sends ev on every channel and records each successful send. Dedup is
// per alert, so one recorded channel also holds back retries of the channels
// that failed until the dedup window passes.
func (m *Monitor) dispatch(ctx context.Context, ev TriggerEvent) {
	msg := alerting.RenderTrigger(ev.Alert, ev.CurrentRate, ev.EvaluatedAt)

	for _, n := range m.notifiers {
		log := m.logger.With().
			Str("alert_id", ev.Alert.ID).
			Str("pair", ev.Alert.Pair()).
			Str("channel", n.Channel()).
			Logger()

		if err := m.send(ctx, n, msg); err != nil {
			log.Error().Err(err).Msg("failed to dispatch alert")
			m.metrics.Notification(n.Channel(), false)
			continue
		}
		m.metrics.Notification(n.Channel(), true)

		record := storage.NotificationRecord{
			ID:            uuid.NewString(),
			OwnerID:       ev.Alert.OwnerID,
			AlertID:       ev.Alert.ID,
			TriggeredRate: ev.CurrentRate,
			Channel:       n.Channel(),
			SentAt:        m.opts.Now(),
		}
		if err := m.record(ctx, record); err != nil {
			log.Error().Err(err).Msg("failed to persist notification record")
			continue
		}
		log.Info().Str("rate", ev.CurrentRate.String()).Msg("notification sent")
	}
}

// record persists a sent notification even when Stop cancelled the cycle mid-dispatch.
func (m *Monitor) record(ctx context.Context, record storage.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return m.ledger.InsertNotification(ctx, record)
}

func (m *Monitor) send(ctx context.Context, n alerting.Notifier, msg alerting.Message) error {
	if m.opts.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.NotifyTimeout)
		defer cancel()
	}
	return n.Notify(ctx, msg)
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.AdvisoryLockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
