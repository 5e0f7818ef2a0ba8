package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"engram/internal/config"
	"engram/internal/logging"

	"go.uber.org/zap"
)

// Observation is one metric event, serialized to the push-metrics worker.
// Kind is implied by the metric name; Value is the increment for counters,
// the sample for histograms, and the level for gauges.
type Observation struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value,omitempty"`
}

// labelValues orders the label map per the metric's declared label set.
func (o Observation) labelValues() ([]string, error) {
	keys, ok := metricLabels[o.Name]
	if !ok {
		return nil, nil // unlabeled metric
	}
	vals := make([]string, len(keys))
	for i, k := range keys {
		v, present := o.Labels[k]
		if !present {
			return nil, fmt.Errorf("metric %s missing label %q", o.Name, k)
		}
		vals[i] = v
	}
	return vals, nil
}

// Capture builds a capture-counter observation.
func Capture(hook, status, project, collection string) Observation {
	return Observation{Name: MetricCaptures, Labels: map[string]string{
		"hook": hook, "status": status, "project": project, "collection": collection,
	}}
}

// Retrieval builds a retrieval-counter observation.
func Retrieval(collection, status string) Observation {
	return Observation{Name: MetricRetrievals, Labels: map[string]string{
		"collection": collection, "status": status,
	}}
}

// EmbeddingRequest builds an embedding-counter observation.
func EmbeddingRequest(status string) Observation {
	return Observation{Name: MetricEmbeddingRequests, Labels: map[string]string{"status": status}}
}

// Dedup builds a dedup-counter observation.
func Dedup(project string) Observation {
	return Observation{Name: MetricDedup, Labels: map[string]string{"project": project}}
}

// Failure builds a failure-counter observation.
func Failure(component, errorCode string) Observation {
	return Observation{Name: MetricFailures, Labels: map[string]string{
		"component": component, "error_code": errorCode,
	}}
}

// TriggerFire builds a trigger-counter observation.
func TriggerFire(trigger string) Observation {
	return Observation{Name: MetricTriggerFires, Labels: map[string]string{"trigger": trigger}}
}

// Tokens builds a token-consumption observation. operation is one of
// capture, retrieval, classification, injection; direction is input, output,
// or stored.
func Tokens(operation, direction string, count int) Observation {
	return Observation{Name: MetricTokens, Labels: map[string]string{
		"operation": operation, "direction": direction,
	}, Value: float64(count)}
}

// Duration builds a histogram observation for the named duration metric.
func Duration(name string, d time.Duration) Observation {
	return Observation{Name: name, Value: d.Seconds()}
}

// QueueDepth builds a queue-depth gauge observation.
func QueueDepth(queue string, depth int) Observation {
	return Observation{Name: MetricQueueDepth, Labels: map[string]string{"queue": queue}, Value: float64(depth)}
}

// CollectionPoints builds a collection-size gauge observation.
func CollectionPoints(collection, project string, points int64) Observation {
	return Observation{Name: MetricCollectionPoints, Labels: map[string]string{
		"collection": collection, "project": project,
	}, Value: float64(points)}
}

// Emit hands a batch of observations to a detached push-metrics child and
// returns without waiting. The hook path never blocks on the gateway; spawn
// failures are logged and swallowed.
func Emit(observations ...Observation) {
	cfg := config.Get()
	if !cfg.Metrics.Enabled || cfg.Metrics.PushGatewayURL == "" || len(observations) == 0 {
		return
	}
	payload, err := json.Marshal(observations)
	if err != nil {
		logging.L("observe").Warn("failed to encode observations", zap.Error(err))
		return
	}
	if err := StartDetached([]string{"worker", "push-metrics"}, payload); err != nil {
		logging.L("observe").Warn("failed to spawn push-metrics worker", zap.Error(err))
	}
}

// RunPushMetrics is the push-metrics worker body: decode one observation
// batch from r, land it on a fresh registry, push to the gateway. Invalid
// observations are logged and skipped, not fatal.
func RunPushMetrics(ctx context.Context, r io.Reader) error {
	var observations []Observation
	if err := json.NewDecoder(r).Decode(&observations); err != nil {
		return fmt.Errorf("failed to decode observation batch: %w", err)
	}

	cfg := config.Get()
	log := logging.L("observe")

	m := NewMetrics()
	applied := 0
	for _, o := range observations {
		if err := m.Apply(o); err != nil {
			log.Warn("skipping observation", zap.String("metric", o.Name), zap.Error(err))
			continue
		}
		applied++
	}
	if applied == 0 {
		return nil
	}
	if err := m.Push(ctx, cfg.Metrics.PushGatewayURL, cfg.Metrics.JobName); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	log.Debug("pushed metrics", zap.Int("observations", applied))
	return nil
}
