// Package observe carries the memory layer's operational surface: prometheus
// metrics pushed through a detached child so hooks never block, disk-buffered
// trace spans with an out-of-band flush daemon, and collection-size stats
// with warning thresholds.
package observe

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// durationBuckets align with the latency budgets: hooks and retrievals live
// well under a second, embeddings may take a few.
var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metric names. Observation payloads reference metrics by these names.
const (
	MetricCaptures          = "memory_captures_total"
	MetricRetrievals        = "memory_retrievals_total"
	MetricEmbeddingRequests = "memory_embedding_requests_total"
	MetricDedup             = "memory_dedup_total"
	MetricFailures          = "memory_failures_total"
	MetricTriggerFires      = "memory_trigger_fires_total"
	MetricTokens            = "memory_tokens_total"
	MetricHookDuration      = "memory_hook_duration_seconds"
	MetricEmbedDuration     = "memory_embedding_duration_seconds"
	MetricRetrievalDuration = "memory_retrieval_duration_seconds"
	MetricCollectionPoints  = "memory_collection_points"
	MetricQueueDepth        = "memory_queue_depth"
)

// metricLabels fixes the label order for each vector so observations carry
// labels as a map but land on the right series.
var metricLabels = map[string][]string{
	MetricCaptures:          {"hook", "status", "project", "collection"},
	MetricRetrievals:        {"collection", "status"},
	MetricEmbeddingRequests: {"status"},
	MetricDedup:             {"project"},
	MetricFailures:          {"component", "error_code"},
	MetricTriggerFires:      {"trigger"},
	MetricTokens:            {"operation", "direction"},
	MetricCollectionPoints:  {"collection", "project"},
	MetricQueueDepth:        {"queue"},
}

// Metrics owns a private registry with every memory-layer metric registered.
// Short-lived processes build one, apply their observations, and push the
// whole registry to the gateway.
type Metrics struct {
	registry *prometheus.Registry

	captures          *prometheus.CounterVec
	retrievals        *prometheus.CounterVec
	embeddingRequests *prometheus.CounterVec
	dedup             *prometheus.CounterVec
	failures          *prometheus.CounterVec
	triggerFires      *prometheus.CounterVec
	tokens            *prometheus.CounterVec

	hookDuration      prometheus.Histogram
	embedDuration     prometheus.Histogram
	retrievalDuration prometheus.Histogram

	collectionPoints *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
}

// NewMetrics builds a registry with all memory-layer metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCaptures,
			Help: "Memory capture attempts by hook, outcome, project, and collection.",
		}, metricLabels[MetricCaptures]),
		retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRetrievals,
			Help: "Retrieval requests by collection and outcome.",
		}, metricLabels[MetricRetrievals]),
		embeddingRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEmbeddingRequests,
			Help: "Embedding service requests by outcome.",
		}, metricLabels[MetricEmbeddingRequests]),
		dedup: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDedup,
			Help: "Writes skipped because an identical point already existed.",
		}, metricLabels[MetricDedup]),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricFailures,
			Help: "Component failures by error code.",
		}, metricLabels[MetricFailures]),
		triggerFires: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTriggerFires,
			Help: "Trigger detector fires by trigger name.",
		}, metricLabels[MetricTriggerFires]),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTokens,
			Help: "Token consumption by operation and direction.",
		}, metricLabels[MetricTokens]),
		hookDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricHookDuration,
			Help:    "Wall time of hook invocations.",
			Buckets: durationBuckets,
		}),
		embedDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricEmbedDuration,
			Help:    "Wall time of embedding requests.",
			Buckets: durationBuckets,
		}),
		retrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRetrievalDuration,
			Help:    "Wall time of retrieval requests.",
			Buckets: durationBuckets,
		}),
		collectionPoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCollectionPoints,
			Help: "Point count per collection and project.",
		}, metricLabels[MetricCollectionPoints]),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Entries waiting in a queue.",
		}, metricLabels[MetricQueueDepth]),
	}
	return m
}

// Apply lands one observation on its metric. Token observations with a
// zero or negative value are rejected.
func (m *Metrics) Apply(o Observation) error {
	if o.Name == MetricTokens && o.Value <= 0 {
		return fmt.Errorf("token count must be positive, got %g", o.Value)
	}

	labels, err := o.labelValues()
	if err != nil {
		return err
	}

	switch o.Name {
	case MetricCaptures:
		m.captures.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricRetrievals:
		m.retrievals.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricEmbeddingRequests:
		m.embeddingRequests.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricDedup:
		m.dedup.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricFailures:
		m.failures.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricTriggerFires:
		m.triggerFires.WithLabelValues(labels...).Add(counterValue(o.Value))
	case MetricTokens:
		m.tokens.WithLabelValues(labels...).Add(o.Value)
	case MetricHookDuration:
		m.hookDuration.Observe(o.Value)
	case MetricEmbedDuration:
		m.embedDuration.Observe(o.Value)
	case MetricRetrievalDuration:
		m.retrievalDuration.Observe(o.Value)
	case MetricCollectionPoints:
		m.collectionPoints.WithLabelValues(labels...).Set(o.Value)
	case MetricQueueDepth:
		m.queueDepth.WithLabelValues(labels...).Set(o.Value)
	default:
		return fmt.Errorf("unknown metric %q", o.Name)
	}
	return nil
}

// counterValue treats an unset observation value as a single increment.
func counterValue(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// Push sends the registry to the push gateway. Uses Add so batches from
// concurrent processes do not clobber each other's metric families.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	return push.New(gatewayURL, job).Gatherer(m.registry).AddContext(ctx)
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
