package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	lookups     *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	memberships *prometheus.CounterVec
	registry    prometheus.Gatherer
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the collectors with reg. A nil reg uses a fresh
// registry, which Handler then serves.
func NewPrometheus(reg *prometheus.Registry, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prometheus{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by layer and result (hit, miss, error).",
		}, []string{"layer", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Executed jobs by name and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Job execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"job"}),
		memberships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "memberships_total",
			Help:      "Timeline memberships written by fan-out, by state (created, existing).",
		}, []string{"state"}),
		registry: reg,
	}
	reg.MustRegister(p.lookups, p.jobs, p.jobDuration, p.memberships)
	return p
}

func (p *Prometheus) CacheHit(layer string)   { p.lookups.WithLabelValues(layer, "hit").Inc() }
func (p *Prometheus) CacheMiss(layer string)  { p.lookups.WithLabelValues(layer, "miss").Inc() }
func (p *Prometheus) CacheError(layer string) { p.lookups.WithLabelValues(layer, "error").Inc() }

func (p *Prometheus) Job(name string, outcome string, elapsed time.Duration) {
	p.jobs.WithLabelValues(name, outcome).Inc()
	p.jobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (p *Prometheus) Memberships(created int, existing int) {
	p.memberships.WithLabelValues("created").Add(float64(created))
	p.memberships.WithLabelValues("existing").Add(float64(existing))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
