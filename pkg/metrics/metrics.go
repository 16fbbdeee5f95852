// Package metrics exposes node activity as Prometheus metrics.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/edgedash/pkg/models"
)

const namespace = "edgedash"

// EndpointSource provides the endpoint snapshot scraped for per-peer gauges
type EndpointSource interface {
	All() []models.Endpoint
}

// Metrics holds every collector of one node
type Metrics struct {
	registry *prometheus.Registry

	enqueued         prometheus.Counter
	dispatches       *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	requeued         prometheus.Counter
	reconciliations  *prometheus.CounterVec
	evictions        prometheus.Counter
	transferBytes    prometheus.Counter
	transferSeconds  prometheus.Histogram
	analysisSeconds  *prometheus.HistogramVec
	turnaround       prometheus.Histogram
	results          *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	localBusy        prometheus.Gauge
	configReloads    prometheus.Counter
}

// New creates the metric set on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of videos added to the transfer queue",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs dispatched by target (local or remote) and scheduling policy",
		}, []string{"target", "policy"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Attempts to send the queue head that failed and left it queued",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs returned to the queue after their endpoint disconnected",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_reconciliations_total",
			Help:      "Control and file payload pairs reconciled, by command",
		}, []string{"command"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_evictions_total",
			Help:      "Orphaned correlation entries evicted after their TTL",
		}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_received_bytes_total",
			Help:      "Bytes of file payloads received",
		}),
		transferSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time from first payload half to reconciliation",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		analysisSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Local analysis duration by outcome",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		turnaround: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turnaround_seconds",
			Help:      "Time from enqueueing a video to its result being available",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Results produced, by source (local or remote)",
		}, []string{"source"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the transfer queue",
		}),
		localBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_executor_busy",
			Help:      "1 while the local analysis worker has outstanding work",
		}),
		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config file edits applied without a restart",
		}),
	}

	m.registry.MustRegister(
		m.enqueued, m.dispatches, m.dispatchFailures, m.requeued,
		m.reconciliations, m.evictions, m.transferBytes, m.transferSeconds,
		m.analysisSeconds, m.turnaround, m.results, m.queueDepth, m.localBusy,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the metric set
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchEndpoints registers per-endpoint gauges read from src on every scrape
func (m *Metrics) WatchEndpoints(src EndpointSource) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(newEndpointCollector(src))
}

// WatchBacklog registers gauges for unreconciled payloads and unfinished local jobs,
// read from the given functions on every scrape
func (m *Metrics) WatchBacklog(pendingPayloads, localJobs func() int) error {
	if m == nil {
		return nil
	}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payloads_pending",
			Help:      "Correlation entries still waiting for their other half",
		}, func() float64 { return float64(pendingPayloads()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_jobs_outstanding",
			Help:      "Jobs submitted to the local analysis worker that have not finished",
		}, func() float64 { return float64(localJobs()) }),
	}
	for _, g := range gauges {
		if err := m.registry.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) RecordDispatch(target, policy string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(target, policy).Inc()
}

func (m *Metrics) RecordDispatchFailure() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *Metrics) RecordRequeue(n int) {
	if m == nil {
		return
	}
	m.requeued.Add(float64(n))
}

func (m *Metrics) RecordReconciliation(command models.Command, elapsed time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(string(command)).Inc()
	m.transferSeconds.Observe(elapsed.Seconds())
	if bytes > 0 {
		m.transferBytes.Add(float64(bytes))
	}
}

func (m *Metrics) RecordEvictions(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) RecordAnalysis(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.analysisSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordResult(source string, turnaround time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(source).Inc()
	if turnaround > 0 {
		m.turnaround.Observe(turnaround.Seconds())
	}
}

func (m *Metrics) RecordConfigReload() {
	if m == nil {
		return
	}
	m.configReloads.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetLocalBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.localBusy.Set(1)
	} else {
		m.localBusy.Set(0)
	}
}
