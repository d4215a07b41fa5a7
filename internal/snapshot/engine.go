// Package snapshot maintains the append-only daily rate table and its
// live-with-fallback read path.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/metrics"
	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Options configure the tracked universe and calendar.
type Options struct {
	Quote    string
	Tracked  []string
	Location *time.Location
	Now      func() time.Time
}

// Engine computes, stores and serves daily snapshots.
type Engine struct {
	store    storage.SnapshotStore
	resolver *rates.Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	quote   string
	tracked []string
	loc     *time.Location
	now     func() time.Time
}

// LatestSnapshot is the freshest stored snapshot and whether today's live refresh succeeded.
type LatestSnapshot struct {
	Date   time.Time
	Rows   []storage.DailyRate
	IsLive bool
}

// Run reports one administrative Ensure invocation.
type Run struct {
	Date       time.Time
	Success    bool
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// New constructs an Engine.
func New(store storage.SnapshotStore, resolver *rates.Resolver, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		metrics:  m,
		logger:   logger.With().Str("component", "snapshot").Logger(),
		quote:    opts.Quote,
		tracked:  opts.Tracked,
		loc:      loc,
		now:      now,
	}
}

// Today returns the current calendar date in the engine's timezone.
func (e *Engine) Today() time.Time {
	return storage.DateOf(e.now(), e.loc)
}

// Ensure stores the snapshot for date unless one already exists.
// Source failures wrap rates.ErrSourceUnavailable; a concurrent insert of the same date counts as success.
func (e *Engine) Ensure(ctx context.Context, date time.Time) error {
	date = storage.DateOf(date, time.UTC)
	log := e.logger.With().Str("date", date.Format(time.DateOnly)).Logger()

	existing, err := e.store.ReadSnapshot(ctx, date)
	if err != nil {
		e.metrics.SnapshotRun("error")
		return fmt.Errorf("check existing snapshot: %w", err)
	}
	if len(existing) > 0 {
		log.Debug().Int("rows", len(existing)).Msg("snapshot already stored")
		e.metrics.SnapshotRun("exists")
		return nil
	}

	pairs, err := e.resolver.QuoteAll(ctx, e.quote, e.tracked)
	if err != nil {
		e.metrics.SnapshotRun("source_unavailable")
		if !errors.Is(err, rates.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", rates.ErrSourceUnavailable, err)
		}
		return err
	}

	previous, err := e.store.ReadSnapshot(ctx, date.AddDate(0, 0, -1))
	if err != nil {
		e.metrics.SnapshotRun("error")
		return fmt.Errorf("read previous snapshot: %w", err)
	}
	prevByPair := make(map[string]decimal.Decimal, len(previous))
	for _, row := range previous {
		prevByPair[row.Pair()] = row.Rate
	}

	rows := make([]storage.DailyRate, 0, len(pairs))
	for _, p := range pairs {
		row := storage.DailyRate{
			Date:         date,
			CurrencyFrom: p.From,
			CurrencyTo:   p.To,
			Rate:         p.Rate,
		}
		if prev, ok := prevByPair[row.Pair()]; ok {
			row.PreviousRate, row.ChangeAmount, row.ChangePct = Delta(p.Rate, &prev)
		}
		rows = append(rows, row)
	}

	if err := e.store.WriteSnapshot(ctx, date, rows); err != nil {
		if errors.Is(err, storage.ErrDuplicateSnapshot) {
			log.Info().Msg("snapshot stored concurrently; keeping existing rows")
			e.metrics.SnapshotRun("exists")
			return nil
		}
		e.metrics.SnapshotRun("error")
		return fmt.Errorf("write snapshot: %w", err)
	}

	log.Info().Int("rows", len(rows)).Msg("daily snapshot stored")
	e.metrics.SnapshotRun("stored")
	return nil
}

// Delta derives previous/change/percentage for rate against prev.
// A nil prev yields all nils; a zero prev yields a nil percentage.
func Delta(rate decimal.Decimal, prev *decimal.Decimal) (previous, change, pct *decimal.Decimal) {
	if prev == nil {
		return nil, nil, nil
	}
	p := *prev
	c := rate.Sub(p)
	if p.IsZero() {
		return &p, &c, nil
	}
	percent := c.Mul(hundred).Div(p)
	return &p, &c, &percent
}

// EnsureRun wraps Ensure with timing for administrative callers. A nil date means today.
func (e *Engine) EnsureRun(ctx context.Context, date *time.Time) Run {
	target := e.Today()
	if date != nil {
		target = storage.DateOf(*date, time.UTC)
	}

	run := Run{Date: target, StartedAt: e.now()}
	run.Err = e.Ensure(ctx, target)
	run.Success = run.Err == nil
	run.FinishedAt = e.now()
	return run
}

// Latest tries to refresh today's snapshot, then serves the freshest stored rows.
// Only a store read failure is returned as an error.
func (e *Engine) Latest(ctx context.Context) (LatestSnapshot, error) {
	today := e.Today()
	ensureErr := e.Ensure(ctx, today)
	if ensureErr != nil {
		e.logger.Warn().Err(ensureErr).Str("date", today.Format(time.DateOnly)).Msg("live refresh failed; serving stored snapshot")
	}

	result := LatestSnapshot{IsLive: ensureErr == nil, Rows: []storage.DailyRate{}}

	latest, ok, err := e.store.LatestSnapshotDate(ctx)
	if err != nil {
		return LatestSnapshot{}, fmt.Errorf("latest snapshot date: %w", err)
	}
	if !ok {
		return result, nil
	}

	rows, err := e.store.ReadSnapshot(ctx, latest)
	if err != nil {
		return LatestSnapshot{}, fmt.Errorf("read latest snapshot: %w", err)
	}
	result.Date = latest
	result.Rows = rows
	return result, nil
}

// Snapshot returns the rows stored for date, empty when none.
func (e *Engine) Snapshot(ctx context.Context, date time.Time) ([]storage.DailyRate, error) {
	rows, err := e.store.ReadSnapshot(ctx, storage.DateOf(date, time.UTC))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return rows, nil
}

// History returns every stored row with from <= date <= to.
func (e *Engine) History(ctx context.Context, from, to time.Time) ([]storage.DailyRate, error) {
	rows, err := e.store.ListSnapshotsBetween(ctx, storage.DateOf(from, time.UTC), storage.DateOf(to, time.UTC))
	if err != nil {
		return nil, fmt.Errorf("list snapshot history: %w", err)
	}
	return rows, nil
}
