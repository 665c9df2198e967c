// Package metrics provides Prometheus metrics for the insight engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option applies a configuration option to the Manager
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom buckets for latency histograms
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// WithRegistry sets the registry metrics are registered on and gathered from
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Manager owns every metric of one process. A nil *Manager is valid and records nothing.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	insightsProduced prometheus.Counter
	insightsDropped  prometheus.Counter
	pipelineLatency  prometheus.Histogram
	stageFailures    *prometheus.CounterVec
	cacheOps         *prometheus.CounterVec

	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	modelAccuracy    prometheus.Gauge
	modelTrained     prometheus.Gauge

	eventsIngested *prometheus.CounterVec
	streamMessages *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager creates a metrics manager on its own registry unless one is supplied
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "insights",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.insightsProduced = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "insights_produced_total",
		Help:      "Events that produced an insight",
	})
	m.insightsDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "insights_dropped_total",
		Help:      "Events that produced no insight",
	})
	m.pipelineLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "process_duration_seconds",
		Help:      "End-to-end processing time of one event",
		Buckets:   m.buckets,
	})
	m.stageFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Stage failures by stage and kind",
	}, []string{"stage", "kind"})
	m.cacheOps = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by operation and result",
	}, []string{"op", "result"})

	m.trainingRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "training",
		Name:      "runs_total",
		Help:      "Training runs by result",
	}, []string{"result"})
	m.trainingDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "training",
		Name:      "duration_seconds",
		Help:      "Training run duration",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	m.modelAccuracy = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "accuracy",
		Help:      "Held-out accuracy of the active categorizer",
	})
	m.modelTrained = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "trained",
		Help:      "1 when the active snapshot is trained",
	})

	m.eventsIngested = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ingestion",
		Name:      "events_total",
		Help:      "Ingested payment events by result",
	}, []string{"result"})
	m.streamMessages = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Consumed stream messages by source and result",
	}, []string{"source", "result"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.buckets,
	}, []string{"method", "route"})
}

// Registry returns the registry backing this manager
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProcess records one pipeline call
func (m *Manager) ObserveProcess(d time.Duration, produced bool) {
	if m == nil {
		return
	}
	m.pipelineLatency.Observe(d.Seconds())
	if produced {
		m.insightsProduced.Inc()
	} else {
		m.insightsDropped.Inc()
	}
}

// IncStageFailure counts one stage failure
func (m *Manager) IncStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, kind).Inc()
}

// IncCache counts one cache operation; result is hit, miss, ok or error
func (m *Manager) IncCache(op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

// ObserveTraining records a finished training run
func (m *Manager) ObserveTraining(d time.Duration, err error, accuracy float64) {
	if m == nil {
		return
	}
	m.trainingDuration.Observe(d.Seconds())
	if err != nil {
		m.trainingRuns.WithLabelValues("failure").Inc()
		return
	}
	m.trainingRuns.WithLabelValues("success").Inc()
	m.modelAccuracy.Set(accuracy)
	m.modelTrained.Set(1)
}

// SetModelTrained reports whether the active snapshot is trained
func (m *Manager) SetModelTrained(trained bool) {
	if m == nil {
		return
	}
	if trained {
		m.modelTrained.Set(1)
	} else {
		m.modelTrained.Set(0)
	}
}

// IncTrainingRejected counts a run rejected because another was in progress
func (m *Manager) IncTrainingRejected() {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues("rejected").Inc()
}

// IncEventsIngested counts one ingestion attempt
func (m *Manager) IncEventsIngested(result string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(result).Inc()
}

// IncStreamMessage counts one consumed message
func (m *Manager) IncStreamMessage(source, result string) {
	if m == nil {
		return
	}
	m.streamMessages.WithLabelValues(source, result).Inc()
}

// ObserveHTTP records one served request
func (m *Manager) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
