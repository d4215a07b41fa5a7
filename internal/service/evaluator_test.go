package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type rateTable struct {
	mu     sync.Mutex
	tables map[string]map[string]string
}

func (r *rateTable) set(base, quote, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables == nil {
		r.tables = map[string]map[string]string{}
	}
	if r.tables[base] == nil {
		r.tables[base] = map[string]string{base: "1"}
	}
	r.tables[base][quote] = value
}

func (r *rateTable) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.tables[base]
	if !ok {
		return nil, rates.ErrSourceUnavailable
	}
	out := make(map[string]decimal.Decimal, len(table))
	for k, v := range table {
		out[k] = decimal.RequireFromString(v)
	}
	return out, nil
}

func seedAlert(t *testing.T, store storage.AlertStore, id, from, to, target string, cond storage.Condition) storage.AlertSetting {
	t.Helper()
	alert := storage.AlertSetting{
		ID:           id,
		OwnerID:      "demo_user",
		CurrencyFrom: from,
		CurrencyTo:   to,
		TargetRate:   decimal.RequireFromString(target),
		Condition:    cond,
		Active:       true,
	}
	if err := store.CreateAlert(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	return alert
}

func newTestEvaluator(store *storage.MemoryStore, src rates.Source, clock *fakeClock) *Evaluator {
	return NewEvaluator(store, store, rates.NewResolver(src, ""), EvaluatorOptions{
		DedupWindow:  time.Hour,
		CheckTimeout: time.Second,
		Workers:      4,
		Now:          clock.Now,
	}, nil, zerolog.Nop())
}

func TestEvaluateBoundaryInclusion(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &rateTable{}
	src.set("USD", "KRW", "1380")
	clock := newFakeClock(time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))

	seedAlert(t, store, "above-eq", "USD", "KRW", "1380", storage.ConditionAbove)
	seedAlert(t, store, "below-eq", "USD", "KRW", "1380", storage.ConditionBelow)
	seedAlert(t, store, "above-miss", "USD", "KRW", "1380.01", storage.ConditionAbove)
	seedAlert(t, store, "below-miss", "USD", "KRW", "1379.99", storage.ConditionBelow)

	events, err := newTestEvaluator(store, src, clock).Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 || events[0].Alert.ID != "above-eq" || events[1].Alert.ID != "below-eq" {
		t.Fatalf("expected both equality alerts in order, got %+v", events)
	}
	if !events[0].CurrentRate.Equal(decimal.NewFromInt(1380)) || !events[0].EvaluatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected event payload: %+v", events[0])
	}
}

func TestEvaluateDedupWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	src := &rateTable{}
	src.set("USD", "KRW", "1400")
	clock := newFakeClock(time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
	alert := seedAlert(t, store, "a-1", "USD", "KRW", "1390", storage.ConditionAbove)
	eval := newTestEvaluator(store, src, clock)

	if err := store.InsertNotification(ctx, storage.NotificationRecord{
		ID: "n-1", OwnerID: alert.OwnerID, AlertID: alert.ID, Channel: "log", SentAt: clock.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	for _, step := range []struct {
		advance time.Duration
		want    int
	}{
		{0, 0},
		{30 * time.Minute, 0},
		{30 * time.Minute, 1}, // exactly one window later the record is at the cut-off
		{time.Hour, 1},
	} {
		clock.Advance(step.advance)
		events, err := eval.Evaluate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != step.want {
			t.Fatalf("at %s: got %d events, want %d", clock.Now().Format(time.TimeOnly), len(events), step.want)
		}
	}
}

func TestEvaluatePartialFailureIsolation(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &rateTable{}
	src.set("USD", "KRW", "1400")
	clock := newFakeClock(time.Now())

	seedAlert(t, store, "good-1", "USD", "KRW", "1300", storage.ConditionAbove)
	seedAlert(t, store, "bad", "XAU", "KRW", "1", storage.ConditionAbove)
	seedAlert(t, store, "good-2", "USD", "KRW", "1500", storage.ConditionBelow)

	events, err := newTestEvaluator(store, src, clock).Evaluate(context.Background())
	if err != nil {
		t.Fatalf("one failing pair must not fail the pass: %v", err)
	}
	if len(events) != 2 || events[0].Alert.ID != "good-1" || events[1].Alert.ID != "good-2" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

type flakyLedger struct {
	*storage.MemoryStore
	failFor string
}

func (f flakyLedger) RecentNotification(ctx context.Context, alertID string, since time.Time) (bool, error) {
	if alertID == f.failFor {
		return false, errors.New("ledger unavailable")
	}
	return f.MemoryStore.RecentNotification(ctx, alertID, since)
}

func TestEvaluateDedupLookupErrorSkipsOnlyThatAlert(t *testing.T) {
	store := storage.NewMemoryStore()
	src := &rateTable{}
	src.set("USD", "KRW", "1400")
	seedAlert(t, store, "ok", "USD", "KRW", "1300", storage.ConditionAbove)
	seedAlert(t, store, "broken", "USD", "KRW", "1300", storage.ConditionAbove)

	eval := NewEvaluator(store, flakyLedger{store, "broken"}, rates.NewResolver(src, ""), EvaluatorOptions{Workers: 2}, nil, zerolog.Nop())
	events, err := eval.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Alert.ID != "ok" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

type brokenAlerts struct {
	*storage.MemoryStore
}

func (brokenAlerts) ListActiveAlerts(ctx context.Context) ([]storage.AlertSetting, error) {
	return nil, errors.New("connection refused")
}

func TestEvaluateFailsWhenAlertsCannotLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	eval := NewEvaluator(brokenAlerts{store}, store, rates.NewResolver(&rateTable{}, ""), EvaluatorOptions{}, nil, zerolog.Nop())
	if _, err := eval.Evaluate(context.Background()); err == nil {
		t.Fatal("expected error when active alerts cannot be listed")
	}
}

func TestEvaluateSharesFetchesAcrossAlerts(t *testing.T) {
	store := storage.NewMemoryStore()
	var mu sync.Mutex
	calls := map[string]int{}
	src := rates.SourceFunc(func(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
		mu.Lock()
		calls[base]++
		mu.Unlock()
		return map[string]decimal.Decimal{"KRW": decimal.NewFromInt(1400), "JPY": decimal.NewFromInt(150)}, nil
	})
	for i, target := range []string{"1000", "1100", "1200", "1300"} {
		seedAlert(t, store, "a-"+string(rune('0'+i)), "USD", "KRW", target, storage.ConditionAbove)
	}
	seedAlert(t, store, "jpy", "USD", "JPY", "100", storage.ConditionAbove)

	events, err := newTestEvaluator(store, src, newFakeClock(time.Now())).Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if calls["USD"] != 1 {
		t.Fatalf("USD table should be fetched once per pass, got %d", calls["USD"])
	}
}
