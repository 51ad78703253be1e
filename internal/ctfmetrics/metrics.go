// Package ctfmetrics registers the engine's Prometheus collectors:
// round cadence, check outcomes, submission results, and HTTP traffic.
package ctfmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine exposes on /metrics.
type Metrics struct {
	RoundsTotal          prometheus.Counter
	RoundDuration        prometheus.Histogram
	ChecksTotal          *prometheus.CounterVec
	ProbeDuration        *prometheus.HistogramVec
	SubmissionsTotal     *prometheus.CounterVec
	FlagsAcceptedTotal   prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	ScoreboardRefresh    *prometheus.CounterVec
	EventQueueDepth      prometheus.Gauge
}

// New creates a Metrics instance registered against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a
// caller-supplied registry, useful for isolated tests.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctf_rounds_total",
			Help: "Total number of rounds started.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctf_round_duration_seconds",
			Help:    "Wall-clock time spent issuing flags and spawning probes for a round.",
			Buckets: prometheus.DefBuckets,
		}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_checks_total",
			Help: "Checker call outcomes by status.",
		}, []string{"status"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_probe_duration_seconds",
			Help:    "Duration of a single checker phase call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_submissions_total",
			Help: "Flag submission results by outcome.",
		}, []string{"result"}),
		FlagsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctf_flags_accepted_total",
			Help: "Total number of flags accepted across all submissions.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_http_requests_total",
			Help: "Total HTTP requests by path and status.",
		}, []string{"path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		ScoreboardRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_scoreboard_refresh_total",
			Help: "Scoreboard refresh attempts by outcome (rebuilt/waited/rejected/failed).",
		}, []string{"outcome"}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_event_queue_depth",
			Help: "Number of events currently queued in the event bus.",
		}),
	}

	reg.MustRegister(
		m.RoundsTotal, m.RoundDuration, m.ChecksTotal, m.ProbeDuration,
		m.SubmissionsTotal, m.FlagsAcceptedTotal, m.HTTPRequestsTotal,
		m.HTTPRequestDuration, m.ScoreboardRefresh, m.EventQueueDepth,
	)
	return m
}

// ObserveProbePhase records how long a single checker phase call took.
func (m *Metrics) ObserveProbePhase(phase string, start time.Time) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
