// Package httpapi exposes monitoring control, live rates and snapshot reads over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/config"
	"fxwatch/internal/service"
	"fxwatch/internal/snapshot"
	"fxwatch/internal/storage"
)

// Monitor is the monitoring surface the API drives.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (service.Status, error)
	ManualCheck(ctx context.Context) (service.CheckReport, error)
}

// Rates answers live rate lookups.
type Rates interface {
	Pivot() string
	Table(ctx context.Context, base string) (map[string]decimal.Decimal, error)
	Resolve(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Snapshots is the daily snapshot surface the API reads.
type Snapshots interface {
	Latest(ctx context.Context) (snapshot.LatestSnapshot, error)
	Snapshot(ctx context.Context, date time.Time) ([]storage.DailyRate, error)
	EnsureRun(ctx context.Context, date *time.Time) snapshot.Run
	Today() time.Time
}

// Server wires routes onto a gorilla/mux router.
type Server struct {
	cfg       config.HTTPConfig
	monitor   Monitor
	snapshots Snapshots
	rates     Rates
	now       func() time.Time
	router    *mux.Router
	logger    zerolog.Logger
}

// New constructs the API server. gatherer backs /metrics.
func New(cfg config.HTTPConfig, monitor Monitor, snapshots Snapshots, rates Rates, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		monitor:   monitor,
		snapshots: snapshots,
		rates:     rates,
		now:       time.Now,
		router:    mux.NewRouter().StrictSlash(true),
		logger:    logger.With().Str("component", "http").Logger(),
	}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/monitoring/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/monitoring/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/monitoring/check", s.handleCheck).Methods(http.MethodPost)
	s.router.HandleFunc("/rates", s.handleRates).Methods(http.MethodGet)
	s.router.HandleFunc("/convert", s.handleConvert).Methods(http.MethodPost)
	s.router.HandleFunc("/currencies", s.handleCurrencies).Methods(http.MethodGet)
	s.router.HandleFunc("/rates/latest", s.handleLatest).Methods(http.MethodGet)
	s.router.HandleFunc("/rates/daily", s.handleDaily).Methods(http.MethodGet)
	s.router.HandleFunc("/rates/store", s.handleStore).Methods(http.MethodPost)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type rateView struct {
	Pair             string           `json:"currency_pair"`
	Date             string           `json:"date"`
	Rate             decimal.Decimal  `json:"rate"`
	PreviousRate     *decimal.Decimal `json:"previous_rate"`
	ChangeAmount     *decimal.Decimal `json:"change_amount"`
	ChangePercentage *decimal.Decimal `json:"change_percentage"`
}

func viewRates(rows []storage.DailyRate) []rateView {
	out := make([]rateView, 0, len(rows))
	for _, r := range rows {
		v := rateView{
			Pair:         r.Pair(),
			Date:         r.Date.Format(time.DateOnly),
			Rate:         r.Rate,
			PreviousRate: r.PreviousRate,
			ChangeAmount: r.ChangeAmount,
		}
		if r.ChangePct != nil {
			pct := r.ChangePct.Round(4)
			v.ChangePercentage = &pct
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.monitor.Status(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Start(r.Context()); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeStatus(w, r, "monitoring started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Stop(r.Context()); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeStatus(w, r, "monitoring stopped")
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, message string) {
	status, err := s.monitor.Status(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": message, "status": status})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.ManualCheck(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.snapshots.Latest(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	source := "cached"
	if latest.IsLive {
		source = "live"
	}
	resp := map[string]any{
		"rates":       viewRates(latest.Rows),
		"is_live":     latest.IsLive,
		"data_source": source,
	}
	if !latest.Date.IsZero() {
		resp["date"] = latest.Date.Format(time.DateOnly)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	date := s.snapshots.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := storage.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	rows, err := s.snapshots.Snapshot(r.Context(), date)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  date.Format(time.DateOnly),
		"rates": viewRates(rows),
	})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var date *time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := storage.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = &parsed
	}

	run := s.snapshots.EnsureRun(r.Context(), date)
	resp := map[string]any{
		"success":          run.Success,
		"date":             run.Date.Format(time.DateOnly),
		"start_time":       run.StartedAt,
		"end_time":         run.FinishedAt,
		"duration_seconds": run.FinishedAt.Sub(run.StartedAt).Seconds(),
	}
	status := http.StatusOK
	if run.Err != nil {
		resp["error"] = run.Err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
