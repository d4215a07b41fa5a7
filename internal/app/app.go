package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxwatch/internal/alerting"
	"fxwatch/internal/config"
	"fxwatch/internal/httpapi"
	"fxwatch/internal/metrics"
	"fxwatch/internal/rates"
	"fxwatch/internal/scheduler"
	"fxwatch/internal/service"
	"fxwatch/internal/snapshot"
	"fxwatch/internal/storage"
	"fxwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	source  rates.Source
	backend storage.Backend
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// components is the wired engine for one command invocation.
type components struct {
	backend   storage.Backend
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	resolver  *rates.Resolver
	snapshots *snapshot.Engine
	evaluator *service.Evaluator
	alerts    *service.Registry
	close     func()
}

func (a *App) newSource() rates.Source {
	if a.source != nil {
		return a.source
	}
	return rates.NewExchangeRateAPI(rates.ExchangeRateAPIOptions{
		BaseURL:   a.Config.Rates.BaseURL,
		Timeout:   a.Config.Rates.RequestTimeout,
		UserAgent: a.Config.Rates.UserAgent,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	if a.backend != nil {
		return a.backend, func() {}, nil
	}
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		schemaVersion, err := store.Migrate()
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		a.Logger.Info().Uint("version", schemaVersion).Msg("database schema up to date")
	}
	return store, store.Close, nil
}

func (a *App) open(ctx context.Context) (*components, error) {
	backend, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	resolver := rates.NewResolver(a.newSource(), a.Config.Rates.Pivot)
	snapshots := snapshot.New(backend, resolver, snapshot.Options{
		Quote:    a.Config.Snapshot.Quote,
		Tracked:  a.Config.Snapshot.Tracked,
		Location: a.Config.Location(),
	}, m, a.Logger)

	evaluator := service.NewEvaluator(backend, backend, resolver, service.EvaluatorOptions{
		DedupWindow:  a.Config.Alerting.DedupWindow,
		CheckTimeout: a.Config.Scheduler.CheckTimeout,
		Workers:      a.Config.Scheduler.Workers,
	}, m, a.Logger)

	return &components{
		backend:   backend,
		registry:  reg,
		metrics:   m,
		resolver:  resolver,
		snapshots: snapshots,
		evaluator: evaluator,
		alerts:    service.NewRegistry(backend, backend, nil),
		close:     closeStore,
	}, nil
}

func (a *App) newNotifiers() ([]alerting.Notifier, error) {
	if !a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting disabled; triggered alerts will only be logged")
		return nil, nil
	}
	return alerting.Build(a.Config.Alerting, a.Logger)
}

func (a *App) newMonitor(c *components, notifiers []alerting.Notifier) *service.Monitor {
	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		ErrorBackoff:   a.Config.Scheduler.ErrorBackoff,
	}, a.Logger)

	return service.NewMonitor(c.evaluator, c.backend, c.backend, c.snapshots, notifiers, sched, service.MonitorOptions{
		StopTimeout:     a.Config.Scheduler.StopTimeout,
		NotifyTimeout:   a.Config.Scheduler.CheckTimeout,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		SnapshotOnCycle: a.Config.Snapshot.OnCycle,
	}, c.metrics, a.Logger)
}

// Run executes the long-running monitoring service and, when configured, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	notifiers, err := a.newNotifiers()
	if err != nil {
		return err
	}
	defer alerting.CloseAll(notifiers)

	monitor := a.newMonitor(c, notifiers)

	a.Logger.Info().
		Str("version", version.String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Dur("dedup_window", a.Config.Alerting.DedupWindow).
		Int("channels", len(notifiers)).
		Msg("starting monitoring service")
	if err := monitor.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.HTTP.Addr != "" {
		server := httpapi.New(a.Config.HTTP, monitor, c.snapshots, c.resolver, c.registry, a.Logger)
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Scheduler.StopTimeout+time.Second)
		defer stopCancel()
		return monitor.Stop(stopCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Pairs     []string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
