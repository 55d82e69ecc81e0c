// Package metrics provides Prometheus metrics export for the custody engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody"

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Registry holds all engine metrics. A nil *Registry records nothing.
type Registry struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	guard         *prometheus.CounterVec
	scores        *prometheus.CounterVec
	scoreDuration prometheus.Histogram
	packets       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sweepExpired  prometheus.Counter
	sweepDuration prometheus.Histogram
}

// NewRegistry creates a registry with its own Prometheus collector set.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Custody events appended, by type and outcome.",
		}, []string{"event_type", "outcome"}),
		guard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Abuse guard decisions on proposal attempts.",
		}, []string{"decision"}),
		scores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_total",
			Help:      "Confidence scores recorded, by band.",
		}, []string{"band"}),
		scoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "Time to gather inputs and record a score.",
			Buckets:   prometheus.DefBuckets,
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Escalation packets issued, by level.",
		}, []string{"level"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification records appended, by delivery status.",
		}, []string{"status"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Transitions expired by the sweep.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.events, r.guard, r.scores, r.scoreDuration,
		r.packets, r.notifications, r.sweepExpired, r.sweepDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordEvent records an appended custody event.
func (r *Registry) RecordEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType, outcome).Inc()
}

// RecordGuard records an abuse guard decision: allowed, locked,
// rate_limited or flagged.
func (r *Registry) RecordGuard(decision string) {
	if r == nil {
		return
	}
	r.guard.WithLabelValues(decision).Inc()
}

// RecordScore records a new confidence score.
func (r *Registry) RecordScore(band string, duration time.Duration) {
	if r == nil {
		return
	}
	r.scores.WithLabelValues(band).Inc()
	r.scoreDuration.Observe(duration.Seconds())
}

// RecordPacket records an issued escalation packet.
func (r *Registry) RecordPacket(level int) {
	if r == nil {
		return
	}
	r.packets.WithLabelValues(strconv.Itoa(level)).Inc()
}

// RecordNotification records a notification status record.
func (r *Registry) RecordNotification(status string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(status).Inc()
}

// RecordSweep records a sweep run.
func (r *Registry) RecordSweep(expired int, duration time.Duration) {
	if r == nil {
		return
	}
	r.sweepExpired.Add(float64(expired))
	r.sweepDuration.Observe(duration.Seconds())
}
