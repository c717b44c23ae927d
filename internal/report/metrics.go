package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Snapshot outcomes used as the result label
const (
	SnapshotCaptured = "captured"
	SnapshotFailed   = "failed"
	SnapshotDisabled = "disabled"
)

// Metrics are boring counters derived from Results. Every counter must be
// explainable by looking at the launch records.
type Metrics struct {
	registry *prometheus.Registry

	Launches       prometheus.Counter
	Crashes        prometheus.Counter
	AnomalousExits prometheus.Counter
	Restarts       prometheus.Counter
	Exits          *prometheus.CounterVec
	Snapshots      *prometheus.CounterVec
	CrashHandling  prometheus.Histogram
	GuardedUp      prometheus.Gauge
}

// NewMetrics creates the supervisor's metrics on a private registry, so more
// than one supervisor can live in a test binary
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Launches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_launches_total",
			Help: "Guarded instances spawned by this supervisor",
		}),
		Crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_crashes_total",
			Help: "Crash handshakes completed",
		}),
		AnomalousExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_anomalous_exits_total",
			Help: "Non-zero exits without a crash signal",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashguard_restarts_total",
			Help: "Relaunches after a crash or anomalous exit",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashguard_exits_total",
			Help: "Finished launches by exit reason",
		}, []string{"reason"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashguard_snapshots_total",
			Help: "Snapshot attempts by result",
		}, []string{"result"}),
		CrashHandling: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crashguard_crash_handling_seconds",
			Help:    "Time from crash signal to acknowledgment",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		GuardedUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashguard_guarded_up",
			Help: "1 while a guarded instance is connected",
		}),
	}

	reg.MustRegister(
		m.Launches,
		m.Crashes,
		m.AnomalousExits,
		m.Restarts,
		m.Exits,
		m.Snapshots,
		m.CrashHandling,
		m.GuardedUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry for export
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordResult updates counters from a single immutable Result.
// This is the ONLY way exit counters change.
func (m *Metrics) RecordResult(r *Result) {
	m.Exits.WithLabelValues(string(r.Reason)).Inc()
	if r.Crashed {
		m.Crashes.Inc()
	} else if r.Reason.IsFailure() {
		m.AnomalousExits.Inc()
	}
}

// RecordSnapshot counts one snapshot attempt
func (m *Metrics) RecordSnapshot(result string) {
	m.Snapshots.WithLabelValues(result).Inc()
}

// ObserveCrashHandling records the capture window length
func (m *Metrics) ObserveCrashHandling(d time.Duration) {
	m.CrashHandling.Observe(d.Seconds())
}

// SetGuardedUp flips the connected gauge
func (m *Metrics) SetGuardedUp(up bool) {
	if up {
		m.GuardedUp.Set(1)
		return
	}
	m.GuardedUp.Set(0)
}
