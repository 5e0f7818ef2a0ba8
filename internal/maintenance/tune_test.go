package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"engram/internal/memory"
	"engram/internal/qdrant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patchRecorder captures PATCH /collections/{collection} bodies.
type patchRecorder struct {
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newPatchRecorder(t *testing.T) (*patchRecorder, *httptest.Server) {
	t.Helper()
	rec := &patchRecorder{bodies: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /collections/{collection}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.bodies[r.PathValue("collection")] = body
		rec.mu.Unlock()
		writeResult(t, w, true)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return rec, srv
}

func TestEnableQuantizationPatchesEveryCollection(t *testing.T) {
	rec, srv := newPatchRecorder(t)
	client := qdrant.NewClient(srv.URL, "", 2*time.Second)

	done, err := EnableQuantization(context.Background(), client, false)
	require.NoError(t, err)
	assert.Equal(t, memory.Collections(), done)

	require.Len(t, rec.bodies, 3)
	for _, coll := range memory.Collections() {
		body := rec.bodies[coll]
		require.NotNil(t, body, coll)
		scalar := body["quantization_config"].(map[string]any)["scalar"].(map[string]any)
		assert.Equal(t, "int8", scalar["type"])
		assert.InDelta(t, 0.99, scalar["quantile"], 1e-6)
		assert.Equal(t, true, scalar["always_ram"])
	}
}

func TestEnableQuantizationDryRun(t *testing.T) {
	rec, srv := newPatchRecorder(t)
	client := qdrant.NewClient(srv.URL, "", 2*time.Second)

	done, err := EnableQuantization(context.Background(), client, true)
	require.NoError(t, err)
	assert.Len(t, done, 3)
	assert.Empty(t, rec.bodies)
}

func TestOptimizeHNSWAppliesDefaults(t *testing.T) {
	rec, srv := newPatchRecorder(t)
	client := qdrant.NewClient(srv.URL, "", 2*time.Second)

	done, err := OptimizeHNSW(context.Background(), client, memory.CollectionCodePatterns, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{memory.CollectionCodePatterns}, done)

	require.Len(t, rec.bodies, 1)
	hnsw := rec.bodies[memory.CollectionCodePatterns]["hnsw_config"].(map[string]any)
	assert.EqualValues(t, DefaultHNSWM, hnsw["m"])
	assert.EqualValues(t, DefaultHNSWEfConstruct, hnsw["ef_construct"])
}

func TestOptimizeHNSWRejectsUnknownCollection(t *testing.T) {
	client := qdrant.NewClient("http://127.0.0.1:1", "", time.Second)
	_, err := OptimizeHNSW(context.Background(), client, "scratch", 0, 0, false)
	require.Error(t, err)
}
