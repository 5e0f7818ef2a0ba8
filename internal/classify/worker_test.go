package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"engram/internal/config"
	"engram/internal/observe"
	"engram/internal/qdrant"
	"engram/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payloadCall struct {
	Collection string
	Payload    map[string]any
	Points     []string
}

type fakeQdrant struct {
	mu    sync.Mutex
	calls []payloadCall
	fail  bool
}

func (f *fakeQdrant) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/{collection}/points/payload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failing := f.fail
		f.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status": {"error": "Not found: point"}}`))
			return
		}
		var body struct {
			Payload map[string]any `json:"payload"`
			Points  []string       `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.calls = append(f.calls, payloadCall{
			Collection: r.PathValue("collection"),
			Payload:    body.Payload,
			Points:     body.Points,
		})
		f.mu.Unlock()
		w.Write([]byte(`{"result": {"operation_id": 0, "status": "acknowledged"}, "status": "ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeQdrant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestWorker(t *testing.T, url string, provider Provider) *Worker {
	t.Helper()
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	t.Setenv("MEMORY_METRICS_ENABLED", "false")
	config.Reset()
	t.Cleanup(config.Reset)

	cfg := config.Get()
	tasks := queue.NewTaskQueue(cfg.ClassifyQueueDir())
	client := qdrant.NewClient(url, "", 2*time.Second)
	return NewWorkerWith(cfg, tasks, client, New(provider))
}

func testTask(id string) queue.Task {
	return queue.Task{
		MemoryID:    id,
		Collection:  "discussions",
		Content:     "we decided to keep the retry queue on disk",
		CurrentType: "user_message",
		GroupID:     "engram",
	}
}

func TestDrainOnceUpdatesConfidentResult(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{
		reply:     `{"type": "decision", "confidence": 0.95, "reasoning": "records a durable choice"}`,
		inTokens:  120,
		outTokens: 18,
	}
	w := newTestWorker(t, srv.URL, provider)

	task := testTask("3f6d1c2a-0000-4000-8000-000000000001")
	require.NoError(t, w.tasks.Enqueue(task))

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, fake.callCount())
	call := fake.calls[0]
	assert.Equal(t, "discussions", call.Collection)
	assert.Equal(t, []string{task.MemoryID}, call.Points)
	assert.Equal(t, "decision", call.Payload["type"])
	assert.Equal(t, 0.95, call.Payload["classification_confidence"])
	assert.Equal(t, "fake", call.Payload["classification_provider"])
	assert.Equal(t, true, call.Payload["is_classified"])
	assert.NotEmpty(t, call.Payload["classified_at"])

	processed, failed := w.Counts()
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)

	depth, err := w.tasks.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth, "claim removed after processing")
}

func TestDrainOnceJoinsTaskTrace(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{
		reply: `{"type": "decision", "confidence": 0.95, "reasoning": "records a durable choice"}`,
	}
	t.Setenv("MEMORY_TRACING_ENABLED", "true")
	w := newTestWorker(t, srv.URL, provider)

	task := testTask("3f6d1c2a-0000-4000-8000-000000000002")
	task.TraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	task.SourceHook = "post_tool_capture"
	require.NoError(t, w.tasks.Enqueue(task))

	_, err := w.DrainOnce(context.Background())
	require.NoError(t, err)

	traceDir := config.Get().TraceDir()
	entries, err := os.ReadDir(traceDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(traceDir, entries[0].Name()))
	require.NoError(t, err)
	var span observe.Span
	require.NoError(t, json.Unmarshal(data, &span))
	assert.Equal(t, task.TraceID, span.TraceID)
	assert.Equal(t, "classifier.task", span.Name)
	assert.Equal(t, "post_tool_capture", span.Attrs["source_hook"])
}

func TestDrainOnceBelowThresholdKeepsType(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{reply: `{"type": "decision", "confidence": 0.4, "reasoning": "could go either way"}`}
	w := newTestWorker(t, srv.URL, provider)

	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000002")))

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Zero(t, fake.callCount(), "low confidence must not touch the record")

	processed, failed := w.Counts()
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)

	depth, err := w.tasks.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrainOnceDropsFailedTasks(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{err: errors.New("provider down")}
	w := newTestWorker(t, srv.URL, provider)

	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000003")))
	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000004")))

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one bad task must not stop the batch")

	processed, failed := w.Counts()
	assert.Zero(t, processed)
	assert.Equal(t, 2, failed)

	depth, err := w.tasks.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth, "failed tasks are dropped, not retried")
	assert.Zero(t, fake.callCount())
}

func TestDrainOncePayloadFailureCountsFailed(t *testing.T) {
	fake := &fakeQdrant{fail: true}
	srv := fake.server(t)
	provider := &fakeProvider{reply: `{"type": "decision", "confidence": 0.9, "reasoning": "confident"}`}
	w := newTestWorker(t, srv.URL, provider)

	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000005")))

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processed, failed := w.Counts()
	assert.Zero(t, processed)
	assert.Equal(t, 1, failed)

	depth, err := w.tasks.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrainOnceCanceledReleasesClaims(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{reply: `{"type": "decision", "confidence": 0.9, "reasoning": "confident"}`}
	w := newTestWorker(t, srv.URL, provider)

	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000006")))
	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000007")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := w.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, fake.callCount())

	depth, err := w.tasks.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "unstarted claims go back to the queue")
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	fake := &fakeQdrant{}
	srv := fake.server(t)
	provider := &fakeProvider{reply: `{"type": "decision", "confidence": 0.95, "reasoning": "clear"}`}
	w := newTestWorker(t, srv.URL, provider)
	w.cfg.Classifier.PollInterval = "20ms"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, w.tasks.Enqueue(testTask("3f6d1c2a-0000-4000-8000-000000000008")))

	require.Eventually(t, func() bool {
		processed, _ := w.Counts()
		return processed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, fake.callCount())
	assert.FileExists(t, w.cfg.HeartbeatFile("classifier"))
}
