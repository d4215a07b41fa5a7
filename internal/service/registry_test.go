package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/rates"
	"fxwatch/internal/storage"
)

func TestRegistryCreateValidates(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, store, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		owner string
		in    AlertInput
	}{
		{"missing owner", "", AlertInput{"USD", "KRW", decimal.NewFromInt(1), "above"}},
		{"bad code", "u", AlertInput{"US", "KRW", decimal.NewFromInt(1), "above"}},
		{"zero target", "u", AlertInput{"USD", "KRW", decimal.Zero, "above"}},
		{"bad condition", "u", AlertInput{"USD", "KRW", decimal.NewFromInt(1), "sideways"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := reg.Create(ctx, tc.owner, tc.in); !errors.Is(err, ErrInvalidAlert) {
				t.Fatalf("expected ErrInvalidAlert, got %v", err)
			}
		})
	}

	alert, err := reg.Create(ctx, "u", AlertInput{" usd ", "krw", decimal.RequireFromString("1390.5"), "Below"})
	if err != nil {
		t.Fatal(err)
	}
	if alert.ID == "" || alert.Pair() != "USD/KRW" || alert.Condition != storage.ConditionBelow || !alert.Active {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestRegistryUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := newFakeClock(time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
	reg := NewRegistry(store, store, clock.Now)

	alert, err := reg.Create(ctx, "u", AlertInput{"USD", "KRW", decimal.NewFromInt(1400), "above"})
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	inactive := false
	target := decimal.NewFromInt(1450)
	updated, err := reg.Update(ctx, alert.ID, storage.AlertPatch{TargetRate: &target, Active: &inactive})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Active || !updated.TargetRate.Equal(target) || !updated.UpdatedAt.After(alert.UpdatedAt) {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if updated.Condition != storage.ConditionAbove {
		t.Fatal("condition should be untouched")
	}

	negative := decimal.NewFromInt(-1)
	if _, err := reg.Update(ctx, alert.ID, storage.AlertPatch{TargetRate: &negative}); !errors.Is(err, ErrInvalidAlert) {
		t.Fatalf("expected ErrInvalidAlert, got %v", err)
	}

	if err := reg.Delete(ctx, alert.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get(ctx, alert.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reg.Delete(ctx, alert.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRegistryStatsAndHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := newFakeClock(time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC))
	reg := NewRegistry(store, store, clock.Now)

	a1, _ := reg.Create(ctx, "u", AlertInput{"USD", "KRW", decimal.NewFromInt(1400), "above"})
	a2, _ := reg.Create(ctx, "u", AlertInput{"JPY", "KRW", decimal.NewFromInt(9), "below"})
	off := false
	if _, err := reg.Update(ctx, a2.ID, storage.AlertPatch{Active: &off}); err != nil {
		t.Fatal(err)
	}

	for i, age := range []time.Duration{10 * 24 * time.Hour, 2 * 24 * time.Hour, time.Hour} {
		if err := store.InsertNotification(ctx, storage.NotificationRecord{
			ID:      string(rune('a' + i)),
			OwnerID: "u",
			AlertID: a1.ID,
			Channel: "log",
			SentAt:  clock.Now().Add(-age),
		}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := reg.Stats(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalAlerts != 2 || stats.ActiveAlerts != 1 || stats.InactiveAlerts != 1 {
		t.Fatalf("alert counts: %+v", stats)
	}
	if stats.TotalNotifications != 3 || stats.RecentNotifications != 2 {
		t.Fatalf("notification counts: %+v", stats)
	}
	if stats.LastNotification == nil || !stats.LastNotification.Equal(clock.Now().Add(-time.Hour)) {
		t.Fatalf("last notification: %v", stats.LastNotification)
	}

	history, err := reg.History(ctx, "u", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != "c" || history[1].ID != "b" {
		t.Fatalf("history should be newest first and limited: %+v", history)
	}

	empty, err := reg.Stats(ctx, "nobody")
	if err != nil || empty.TotalAlerts != 0 || empty.LastNotification != nil {
		t.Fatalf("unexpected stats for unknown owner: %+v %v", empty, err)
	}
}

func TestRegistryAcceptsSameCurrencyPair(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, store, nil)
	ctx := context.Background()

	alert, err := reg.Create(ctx, "u", AlertInput{"usd", "USD", decimal.NewFromInt(1), "above"})
	if err != nil {
		t.Fatalf("same-currency alert should be accepted: %v", err)
	}
	if alert.Pair() != "USD/USD" {
		t.Fatalf("unexpected pair %s", alert.Pair())
	}

	src := &rateTable{}
	src.set("USD", "KRW", "1300")
	eval := NewEvaluator(store, store, rates.NewResolver(src, "USD"), EvaluatorOptions{DedupWindow: time.Hour, Workers: 1}, nil, zerolog.Nop())
	events, err := eval.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].CurrentRate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected a trigger at rate 1, got %+v", events)
	}
}
