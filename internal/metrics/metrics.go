// Package metrics exposes Prometheus collectors for the notification pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

const namespace = "growthhub"

// Email kinds used as the "kind" label.
const (
	KindNotification = "notification"
	KindTest         = "test"
	KindVerification = "verification"
)

// Metrics records pipeline activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	emails       *prometheus.CounterVec
	runs         *prometheus.CounterVec
	discovered   prometheus.Counter
	fetchSeconds prometheus.Histogram
	batches      prometheus.Counter
}

// New creates a Metrics backed by its own registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		emails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Emails handed to the delivery provider, by kind and result.",
		}, []string{"kind", "result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs, by status.",
		}, []string{"status"}),
		discovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "videos_discovered_total",
			Help:      "Videos seen in the feed for the first time.",
		}),
		fetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_fetch_seconds",
			Help:      "Feed download and parse latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_batches_total",
			Help:      "Subscriber chunks dispatched.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EmailSent counts one send outcome.
func (m *Metrics) EmailSent(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.emails.WithLabelValues(kind, result).Inc()
}

// PipelineRun counts a finished run.
func (m *Metrics) PipelineRun(status model.RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

// VideosDiscovered adds n newly stored videos.
func (m *Metrics) VideosDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discovered.Add(float64(n))
}

// ObserveFetch records how long a feed fetch took.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchSeconds.Observe(d.Seconds())
}

// BatchDispatched counts one dispatched chunk.
func (m *Metrics) BatchDispatched() {
	if m == nil {
		return
	}
	m.batches.Inc()
}
