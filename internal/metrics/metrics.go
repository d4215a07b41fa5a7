package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fxwatch"

// Metrics holds the engine's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	triggers      prometheus.Counter
	suppressed    prometheus.Counter
	notifications *prometheus.CounterVec
	snapshotRuns  *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	activeAlerts  prometheus.Gauge
	lastCheck     prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Monitoring cycles by result (ok, error, skipped).",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_duration_seconds",
			Help:      "Wall time of one monitoring cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		triggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_triggers_total",
			Help:      "Alerts whose condition held and survived dedup.",
		}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_suppressed_total",
			Help:      "Alerts whose condition held but were inside the dedup window.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatch attempts by channel and result.",
		}, []string{"channel", "result"}),
		snapshotRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_runs_total",
			Help:      "Daily snapshot attempts by result (stored, exists, source_unavailable, error).",
		}, []string{"result"}),
		sourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_source_errors_total",
			Help:      "Failed rate resolutions by pair.",
		}, []string{"pair"}),
		activeAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Active alerts seen by the last evaluation.",
		}),
		lastCheck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_check_timestamp_seconds",
			Help:      "Unix time of the last completed evaluation.",
		}),
	}
}

func (m *Metrics) ObserveCycle(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) Triggered(n int) {
	if m == nil {
		return
	}
	m.triggers.Add(float64(n))
}

func (m *Metrics) Suppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) Notification(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) SnapshotRun(result string) {
	if m == nil {
		return
	}
	m.snapshotRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) SourceError(pair string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(pair).Inc()
}

func (m *Metrics) Evaluated(active int, at time.Time) {
	if m == nil {
		return
	}
	m.activeAlerts.Set(float64(active))
	m.lastCheck.Set(float64(at.Unix()))
}
