// Package metrics collects the pool's Prometheus metrics. Each Collector
// owns its own registry so independent sessions never fight over metric
// registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the counters and gauges the pool and dispatcher feed.
type Collector struct {
	registry *prometheus.Registry

	daemonsStarted *prometheus.CounterVec
	daemonsStopped *prometheus.CounterVec
	daemonsReused  prometheus.Counter
	daemonsLive    prometheus.Gauge

	workSubmitted *prometheus.CounterVec
	workFailed    *prometheus.CounterVec
	workDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		daemonsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyman_daemons_started_total",
			Help: "Worker daemons started, by log level.",
		}, []string{"log_level"}),
		daemonsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyman_daemons_stopped_total",
			Help: "Worker daemons stopped, by stop reason.",
		}, []string{"reason"}),
		daemonsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeyman_daemons_reused_total",
			Help: "Acquisitions satisfied by an already-running daemon.",
		}),
		daemonsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeyman_daemons_live",
			Help: "Currently registered worker daemons.",
		}),
		workSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyman_work_submitted_total",
			Help: "Units of work submitted, by isolation mode.",
		}, []string{"isolation"}),
		workFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeyman_work_failed_total",
			Help: "Units of work that failed, by failure kind.",
		}, []string{"kind"}),
		workDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "journeyman_work_duration_seconds",
			Help:    "End-to-end work latency, by isolation mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"isolation"}),
	}

	c.registry.MustRegister(
		c.daemonsStarted,
		c.daemonsStopped,
		c.daemonsReused,
		c.daemonsLive,
		c.workSubmitted,
		c.workFailed,
		c.workDuration,
	)
	return c
}

// DaemonStarted records a fresh daemon coming up.
func (c *Collector) DaemonStarted(logLevel string) {
	if c == nil {
		return
	}
	c.daemonsStarted.WithLabelValues(logLevel).Inc()
	c.daemonsLive.Inc()
}

// DaemonStopped records a daemon being retired.
func (c *Collector) DaemonStopped(reason string) {
	if c == nil {
		return
	}
	c.daemonsStopped.WithLabelValues(reason).Inc()
	c.daemonsLive.Dec()
}

// DaemonReused records an acquisition that hit an idle daemon.
func (c *Collector) DaemonReused() {
	if c == nil {
		return
	}
	c.daemonsReused.Inc()
}

// WorkSubmitted records a submission entering the dispatcher.
func (c *Collector) WorkSubmitted(isolation string) {
	if c == nil {
		return
	}
	c.workSubmitted.WithLabelValues(isolation).Inc()
}

// WorkCompleted records a finished unit of work.
func (c *Collector) WorkCompleted(isolation string, took time.Duration) {
	if c == nil {
		return
	}
	c.workDuration.WithLabelValues(isolation).Observe(took.Seconds())
}

// WorkFailed records a failed unit of work with its taxonomy kind.
func (c *Collector) WorkFailed(kind string) {
	if c == nil {
		return
	}
	c.workFailed.WithLabelValues(kind).Inc()
}

// Handler exposes this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
