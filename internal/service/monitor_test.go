package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/alerting"
	"fxwatch/internal/rates"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/snapshot"
	"fxwatch/internal/storage"
)

type recordingNotifier struct {
	channel string
	fail    bool

	mu   sync.Mutex
	sent []alerting.Message
}

func (n *recordingNotifier) Channel() string { return n.channel }

func (n *recordingNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	if n.fail {
		return errors.New("channel down")
	}
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type monitorFixture struct {
	store    *storage.MemoryStore
	src      *rateTable
	clock    *fakeClock
	monitor  *Monitor
	snapshot *snapshot.Engine
}

func newMonitorFixture(t *testing.T, interval time.Duration, notifiers ...alerting.Notifier) *monitorFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	src := &rateTable{}
	src.set("USD", "KRW", "1300")
	src.set("USD", "JPY", "150")
	clock := newFakeClock(time.Date(2025, 3, 2, 0, 30, 0, 0, time.UTC))
	resolver := rates.NewResolver(src, "USD")

	engine := snapshot.New(store, resolver, snapshot.Options{
		Quote:   "KRW",
		Tracked: []string{"USD", "JPY"},
		Now:     clock.Now,
	}, nil, zerolog.Nop())

	eval := NewEvaluator(store, store, resolver, EvaluatorOptions{
		DedupWindow: time.Hour,
		Workers:     2,
		Now:         clock.Now,
	}, nil, zerolog.Nop())

	sched := scheduler.New(scheduler.Options{Interval: interval, RunImmediately: true}, zerolog.Nop())
	monitor := NewMonitor(eval, store, store, engine, notifiers, sched, MonitorOptions{
		StopTimeout:     time.Second,
		SnapshotOnCycle: true,
		Now:             clock.Now,
	}, nil, zerolog.Nop())

	return &monitorFixture{store: store, src: src, clock: clock, monitor: monitor, snapshot: engine}
}

func TestMonitorEndToEnd(t *testing.T) {
	ctx := context.Background()
	logCh := &recordingNotifier{channel: "log"}
	f := newMonitorFixture(t, time.Hour, logCh)
	alert := seedAlert(t, f.store, "a-1", "USD", "KRW", "1350", storage.ConditionAbove)

	// below target: nothing sent
	if err := f.monitor.RunCycle(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if logCh.count() != 0 {
		t.Fatalf("nothing should be sent below target, got %d", logCh.count())
	}

	// rate crosses the target
	f.src.set("USD", "KRW", "1355")
	f.clock.Advance(5 * time.Minute)
	if err := f.monitor.RunCycle(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if logCh.count() != 1 {
		t.Fatalf("expected one notification, got %d", logCh.count())
	}
	history, _ := f.store.ListNotificationsByOwner(ctx, alert.OwnerID, 0)
	if len(history) != 1 || history[0].AlertID != alert.ID || history[0].Channel != "log" || !history[0].SentAt.Equal(f.clock.Now()) {
		t.Fatalf("unexpected ledger: %+v", history)
	}

	// still above target inside the dedup window
	f.clock.Advance(30 * time.Minute)
	if err := f.monitor.RunCycle(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if logCh.count() != 1 {
		t.Fatalf("dedup window should suppress, got %d sends", logCh.count())
	}

	// window expired
	f.clock.Advance(31 * time.Minute)
	if err := f.monitor.RunCycle(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if logCh.count() != 2 {
		t.Fatalf("expected a second notification after the window, got %d", logCh.count())
	}

	// cycles also keep today's snapshot in place
	rows, err := f.snapshot.Snapshot(ctx, f.snapshot.Today())
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected today's snapshot with 2 rows, got %d (%v)", len(rows), err)
	}

	status, err := f.monitor.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.ActiveAlertCount != 1 || status.LastCheck == nil || !status.LastCheck.Equal(f.clock.Now()) {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestMonitorNotifierFailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	broken := &recordingNotifier{channel: "telegram", fail: true}
	ok := &recordingNotifier{channel: "log"}
	f := newMonitorFixture(t, time.Hour, broken, ok)
	alert := seedAlert(t, f.store, "a-1", "USD", "KRW", "1000", storage.ConditionAbove)

	if err := f.monitor.RunCycle(ctx, f.clock.Now()); err != nil {
		t.Fatalf("notifier failure must not fail the cycle: %v", err)
	}

	history, _ := f.store.ListNotificationsByOwner(ctx, alert.OwnerID, 0)
	if len(history) != 1 || history[0].Channel != "log" {
		t.Fatalf("only the successful channel should be recorded: %+v", history)
	}
}

func TestMonitorSnapshotFailureDoesNotFailCycle(t *testing.T) {
	logCh := &recordingNotifier{channel: "log"}
	f := newMonitorFixture(t, time.Hour, logCh)
	f.src.mu.Lock()
	delete(f.src.tables, "USD")
	f.src.mu.Unlock()

	if err := f.monitor.RunCycle(context.Background(), f.clock.Now()); err != nil {
		t.Fatalf("snapshot outage should only be logged: %v", err)
	}
	if _, ok, _ := f.store.LatestSnapshotDate(context.Background()); ok {
		t.Fatal("no snapshot should be stored without rates")
	}
}

func TestManualCheckIsDryRun(t *testing.T) {
	ctx := context.Background()
	logCh := &recordingNotifier{channel: "log"}
	f := newMonitorFixture(t, time.Hour, logCh)
	seedAlert(t, f.store, "a-1", "USD", "KRW", "1000", storage.ConditionAbove)
	seedAlert(t, f.store, "a-2", "USD", "KRW", "1000", storage.ConditionBelow)

	report, err := f.monitor.ManualCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.TriggeredCount != 1 || len(report.Alerts) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got := report.Alerts[0]
	if got.AlertID != "a-1" || got.Pair != "USD/KRW" || got.Condition != storage.ConditionAbove || got.CurrentRate.String() != "1300" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if logCh.count() != 0 {
		t.Fatal("manual check must not send")
	}
	if history, _ := f.store.ListNotificationsByOwner(ctx, "demo_user", 0); len(history) != 0 {
		t.Fatal("manual check must not record")
	}
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	logCh := &recordingNotifier{channel: "log"}
	f := newMonitorFixture(t, time.Hour, logCh)

	if err := f.monitor.Stop(ctx); err != nil {
		t.Fatalf("stop before start should be a no-op: %v", err)
	}
	if err := f.monitor.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.monitor.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	status, err := f.monitor.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Running || status.IntervalSeconds != 3600 {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := f.monitor.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.monitor.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		status, _ = f.monitor.Status(ctx)
		if !status.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor still running after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.monitor.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := f.monitor.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingNotifier() *blockingNotifier {
	return &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
}

func (n *blockingNotifier) Channel() string { return "log" }

// Notify ignores ctx so the cycle stays in flight until released.
func (n *blockingNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	n.once.Do(func() { close(n.entered) })
	<-n.release
	return nil
}

// strictLedger fails inserts on a cancelled context, as a database driver would.
type strictLedger struct {
	storage.NotificationStore
}

func (l strictLedger) InsertNotification(ctx context.Context, record storage.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.NotificationStore.InsertNotification(ctx, record)
}

func startBlockedCycle(t *testing.T, stopTimeout time.Duration) (*monitorFixture, *blockingNotifier) {
	t.Helper()
	blocker := newBlockingNotifier()
	f := newMonitorFixture(t, time.Hour, blocker)
	f.monitor.opts.StopTimeout = stopTimeout
	f.monitor.ledger = strictLedger{f.store}
	seedAlert(t, f.store, "a-1", "USD", "KRW", "1000", storage.ConditionAbove)

	if err := f.monitor.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-blocker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached the notifier")
	}
	return f, blocker
}

func TestMonitorStopWaitsForInFlightCycle(t *testing.T) {
	f, blocker := startBlockedCycle(t, 5*time.Second)

	stopped := make(chan error, 1)
	go func() { stopped <- f.monitor.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the cycle finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(blocker.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the cycle finished")
	}

	history, _ := f.store.ListNotificationsByOwner(context.Background(), "demo_user", 0)
	if len(history) != 1 {
		t.Fatalf("the in-flight cycle should complete its dispatch, got %d records", len(history))
	}
}

func TestMonitorStopTimesOut(t *testing.T) {
	f, blocker := startBlockedCycle(t, 50*time.Millisecond)
	defer close(blocker.release)

	started := time.Now()
	err := f.monitor.Stop(context.Background())
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("stop should give up after the timeout, took %s", took)
	}
}

func TestMonitorStopIsPromptBetweenCycles(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, time.Hour, &recordingNotifier{channel: "log"})

	if err := f.monitor.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := f.monitor.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if status.LastCheck != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	started := time.Now()
	if err := f.monitor.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(started); took > 200*time.Millisecond {
		t.Fatalf("stop while sleeping took %s", took)
	}
}
