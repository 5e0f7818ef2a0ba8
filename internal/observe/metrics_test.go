package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"engram/internal/config"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsApplyCounters(t *testing.T) {
	m := NewMetrics()

	require.NoError(t, m.Apply(Capture("post_tool_capture", "stored", "engram", "code-patterns")))
	require.NoError(t, m.Apply(Capture("post_tool_capture", "stored", "engram", "code-patterns")))
	require.NoError(t, m.Apply(Dedup("engram")))

	got := testutil.ToFloat64(m.captures.WithLabelValues("post_tool_capture", "stored", "engram", "code-patterns"))
	assert.Equal(t, 2.0, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedup.WithLabelValues("engram")))
}

func TestMetricsApplyTokens(t *testing.T) {
	m := NewMetrics()

	require.NoError(t, m.Apply(Tokens("capture", "stored", 128)))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.tokens.WithLabelValues("capture", "stored")))

	assert.Error(t, m.Apply(Tokens("capture", "stored", 0)), "zero counts are rejected")
	assert.Error(t, m.Apply(Tokens("capture", "stored", -5)), "negative counts are rejected")
}

func TestMetricsApplyGauges(t *testing.T) {
	m := NewMetrics()

	require.NoError(t, m.Apply(QueueDepth("retry", 7)))
	require.NoError(t, m.Apply(CollectionPoints("code-patterns", "engram", 1234)))

	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("retry")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.collectionPoints.WithLabelValues("code-patterns", "engram")))
}

func TestMetricsApplyRejectsUnknownAndUnderLabeled(t *testing.T) {
	m := NewMetrics()

	assert.Error(t, m.Apply(Observation{Name: "memory_made_up_total"}))
	assert.Error(t, m.Apply(Observation{
		Name:   MetricCaptures,
		Labels: map[string]string{"hook": "x"}, // missing status/project/collection
	}))
}

func TestMetricsApplyDurations(t *testing.T) {
	m := NewMetrics()
	require.NoError(t, m.Apply(Duration(MetricHookDuration, 42*time.Millisecond)))
	require.NoError(t, m.Apply(Duration(MetricHookDuration, 7*time.Millisecond)))

	families, err := m.registry.Gather()
	require.NoError(t, err)

	var hist *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == MetricHookDuration {
			hist = mf
		}
	}
	require.NotNil(t, hist)
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRunPushMetrics(t *testing.T) {
	var gotPath string
	var gotBody string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	t.Setenv("MEMORY_PUSHGATEWAY_URL", gateway.URL)
	config.Reset()
	t.Cleanup(config.Reset)

	batch := strings.NewReader(`[
		{"name": "memory_captures_total", "labels": {"hook": "session_start", "status": "stored", "project": "p", "collection": "discussions"}},
		{"name": "memory_tokens_total", "labels": {"operation": "capture", "direction": "stored"}, "value": -1}
	]`)
	require.NoError(t, RunPushMetrics(context.Background(), batch))

	assert.Contains(t, gotPath, "/metrics/job/")
	assert.Contains(t, gotBody, "memory_captures_total")
	assert.NotContains(t, gotBody, "memory_tokens_total", "invalid observation skipped")
}

func TestRunPushMetricsRejectsGarbage(t *testing.T) {
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	config.Reset()
	t.Cleanup(config.Reset)

	assert.Error(t, RunPushMetrics(context.Background(), strings.NewReader("not json")))
}
