// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors recorded by the chat flows.
type Metrics struct {
	registry *prometheus.Registry

	MessagesPersisted  *prometheus.CounterVec
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	FlowFailures       *prometheus.CounterVec
	SummaryCache       *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MessagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthchat_messages_persisted_total",
			Help: "Messages written to conversation threads",
		}, []string{"role"}),
		GenerationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthchat_generations_total",
			Help: "Assistant replies by source (ai, mock, fallback)",
		}, []string{"source"}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthchat_provider_duration_seconds",
			Help:    "Latency of generative provider calls",
			Buckets: prometheus.DefBuckets,
		}),
		FlowFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthchat_flow_failures_total",
			Help: "Flows that stopped at a failed step",
		}, []string{"flow", "step"}),
		SummaryCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthchat_summary_cache_total",
			Help: "Summary cache lookups by result",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthchat_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthchat_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// The Record helpers are safe on a nil *Metrics so components can run without metrics.

func (m *Metrics) RecordMessage(role string) {
	if m == nil {
		return
	}
	m.MessagesPersisted.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordGeneration(source string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveProvider(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordFlowFailure(flow, step string) {
	if m == nil {
		return
	}
	m.FlowFailures.WithLabelValues(flow, step).Inc()
}

func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.SummaryCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
