package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "", 5*time.Second)
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/code-patterns", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
	})
	mux.HandleFunc("PUT /collections/code-patterns", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.Write([]byte(`{"result":true,"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	require.NoError(t, c.EnsureCollection(context.Background(), "code-patterns", 768))

	require.NotNil(t, created)
	vectors := created["vectors"].(map[string]any)
	assert.Equal(t, float64(768), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.Equal(t, true, created["on_disk_payload"])
}

func TestEnsureCollectionLeavesExistingAlone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/conventions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"status":"green","points_count":12},"status":"ok"}`))
	})
	mux.HandleFunc("PUT /collections/conventions", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("existing collection must not be recreated")
	})

	c := newTestClient(t, mux)
	assert.NoError(t, c.EnsureCollection(context.Background(), "conventions", 768))
}

func TestUpsertSendsPointsAndWaits(t *testing.T) {
	var gotWait string
	var body struct {
		Points []Point `json:"points"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /collections/discussions/points", func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"result":{"operation_id":1,"status":"completed"},"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	err := c.Upsert(context.Background(), "discussions", []Point{
		{ID: "9b2f...", Vector: []float32{0.1, 0.2}, Payload: map[string]any{"type": "decision"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "true", gotWait)
	require.Len(t, body.Points, 1)
	assert.Equal(t, "decision", body.Points[0].Payload["type"])
}

func TestQueryDecodesScoredPoints(t *testing.T) {
	var req queryRequest

	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/discussions/points/query", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write([]byte(`{"result":{"points":[
			{"id":"a","score":0.91,"payload":{"content":"use pgx over database/sql"}},
			{"id":"b","score":0.72,"payload":{"content":"retry with backoff"}}
		]},"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	filter := MustMatch("group_id", "payments-api")
	points, err := c.Query(context.Background(), "discussions", []float32{0.5, 0.5}, filter, 5, 0.7)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, "a", points[0].ID)
	assert.InDelta(t, 0.91, points[0].Score, 1e-6)

	assert.Equal(t, 5, req.Limit)
	assert.InDelta(t, 0.7, req.ScoreThreshold, 1e-6)
	assert.True(t, req.WithPayload)
	require.NotNil(t, req.Filter)
	assert.Equal(t, "group_id", req.Filter.Must[0].Key)
}

func TestScrollReturnsNextOffset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/code-patterns/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"points":[{"id":"p1","payload":{"type":"error_fix"}}],"next_page_offset":"p2"},"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	points, next, err := c.Scroll(context.Background(), "code-patterns", ScrollOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "p1", points[0].ID)
	assert.Equal(t, "p2", next)
}

func TestCount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/conventions/points/count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"count":41},"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	n, err := c.Count(context.Background(), "conventions", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(41), n)
}

func TestUnavailableOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Count(context.Background(), "discussions", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUnavailableOnGatewayStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := newTestClient(t, mux)
	err := c.Upsert(context.Background(), "discussions", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStatusErrorCarriesBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"bad vector size"}}`, http.StatusBadRequest)
	})

	c := newTestClient(t, mux)
	err := c.Upsert(context.Background(), "discussions", []Point{{ID: "x"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "bad vector size")
	assert.Contains(t, err.Error(), "400")
}

func TestAPIKeyHeaderSet(t *testing.T) {
	var gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		w.Write([]byte(`{"result":{"count":0},"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "secret-key", time.Second)
	_, err := c.Count(context.Background(), "discussions", nil)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotKey)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&statusError{code: http.StatusNotFound}))
	assert.False(t, IsNotFound(&statusError{code: http.StatusBadRequest}))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestMaintenanceCalls(t *testing.T) {
	var patched []map[string]any
	var index map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /collections/code-patterns", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		patched = append(patched, body)
		w.Write([]byte(`{"result":true,"status":"ok"}`))
	})
	mux.HandleFunc("PUT /collections/code-patterns/index", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&index))
		w.Write([]byte(`{"result":{"operation_id":2,"status":"acknowledged"},"status":"ok"}`))
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.SetQuantization(ctx, "code-patterns", ScalarQuantization{Type: "int8", Quantile: 0.99, AlwaysRAM: true}))
	require.NoError(t, c.SetHNSW(ctx, "code-patterns", 16, 100))
	require.NoError(t, c.CreatePayloadIndex(ctx, "code-patterns", "group_id", "keyword"))

	require.Len(t, patched, 2)
	quant := patched[0]["quantization_config"].(map[string]any)["scalar"].(map[string]any)
	assert.Equal(t, "int8", quant["type"])
	hnsw := patched[1]["hnsw_config"].(map[string]any)
	assert.Equal(t, float64(16), hnsw["m"])

	assert.Equal(t, "group_id", index["field_name"])
	assert.Equal(t, "keyword", index["field_schema"])
}
