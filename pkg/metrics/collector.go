package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's prometheus instruments. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	answersTotal       *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	retrievalFailures  *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	knowledgeRecords   *prometheus.GaugeVec
	httpRequestsTotal  *prometheus.CounterVec
	completionRequests *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		answersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers served, by outcome (cache, generated, fallback, apology).",
		}, []string{"outcome"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_cache_lookups_total",
			Help:      "Reply cache lookups, by result (exact, semantic, miss).",
		}, []string{"result"}),
		retrievalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Failed index sub-queries, by layer.",
		}, []string{"layer"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_stage_duration_seconds",
			Help:      "Duration of each answer pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		knowledgeRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "knowledge_records",
			Help:      "Records held by each knowledge index after the last build.",
		}, []string{"layer"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		completionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_requests_total",
			Help:      "Completion calls, by provider and status.",
		}, []string{"provider", "status"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordAnswer(outcome string) {
	if c == nil {
		return
	}
	c.answersTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRetrievalFailure(layer string) {
	if c == nil {
		return
	}
	c.retrievalFailures.WithLabelValues(layer).Inc()
}

func (c *Collector) ObserveStage(stage string, started time.Time) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (c *Collector) SetKnowledgeRecords(layer string, n int) {
	if c == nil {
		return
	}
	c.knowledgeRecords.WithLabelValues(layer).Set(float64(n))
}

func (c *Collector) RecordHTTPRequest(method, path string, status int) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
}

func (c *Collector) RecordCompletion(provider string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.completionRequests.WithLabelValues(provider, status).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
