package retrieve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"engram/internal/config"
	"engram/internal/memory"
	"engram/internal/qdrant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	kinds []memory.EmbedKind
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, kind memory.EmbedKind, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

type queryBody struct {
	Query          []float32      `json:"query"`
	Filter         *qdrant.Filter `json:"filter"`
	Limit          int            `json:"limit"`
	ScoreThreshold float32        `json:"score_threshold"`
}

type scrollBody struct {
	Filter  *qdrant.Filter  `json:"filter"`
	Limit   int             `json:"limit"`
	OrderBy *qdrant.OrderBy `json:"order_by"`
}

type fakeStore struct {
	mu          sync.Mutex
	queries     []queryBody
	queryPaths  []string
	scrolls     []scrollBody
	scrollPaths []string

	queryPoints  []map[string]any
	scrollPoints []map[string]any
}

func (f *fakeStore) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collections/{collection}/points/query", func(w http.ResponseWriter, r *http.Request) {
		var body queryBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.queries = append(f.queries, body)
		f.queryPaths = append(f.queryPaths, r.URL.Path)
		points := f.queryPoints
		f.mu.Unlock()
		writeResult(t, w, map[string]any{"points": points})
	})
	mux.HandleFunc("POST /collections/{collection}/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		var body scrollBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.scrolls = append(f.scrolls, body)
		f.scrollPaths = append(f.scrollPaths, r.URL.Path)
		points := f.scrollPoints
		f.mu.Unlock()
		writeResult(t, w, map[string]any{"points": points, "next_page_offset": nil})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"result": result,
		"status": "ok",
	}))
}

func newTestSearcher(t *testing.T, url string, emb Embedder) *Searcher {
	t.Helper()
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	t.Setenv("MEMORY_METRICS_ENABLED", "false")
	config.Reset()
	t.Cleanup(config.Reset)
	client := qdrant.NewClient(url, "", 2*time.Second)
	return NewSearcher(config.Get(), client, emb)
}

func hit(id string, score float64, payload map[string]any) map[string]any {
	return map[string]any{"id": id, "score": score, "payload": payload}
}

func TestSearchEmbedsAndFilters(t *testing.T) {
	store := &fakeStore{queryPoints: []map[string]any{
		hit("a1", 0.92, map[string]any{
			"content":     "chose pgx for the db layer",
			"type":        "decision",
			"source_hook": "user_prompt_capture",
			"group_id":    "engram",
			"timestamp":   "2025-06-01T10:00:00Z",
			"session_id":  "sess-9",
		}),
	}}
	srv := store.server(t)
	emb := &fakeEmbedder{}
	s := newTestSearcher(t, srv.URL, emb)

	records, err := s.Search(context.Background(), Query{
		Text:           "database driver decision",
		Collection:     "discussions",
		GroupID:        "engram",
		Types:          []string{"decision"},
		AgentID:        "parzival",
		Source:         "user_prompt_capture",
		ScoreThreshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "a1", r.ID)
	assert.InDelta(t, 0.92, float64(r.Score), 1e-6)
	assert.Equal(t, "chose pgx for the db layer", r.Content)
	assert.Equal(t, "decision", r.Type)
	assert.Equal(t, "user_prompt_capture", r.SourceHook)
	assert.Equal(t, "engram", r.GroupID)
	assert.Equal(t, "2025-06-01T10:00:00Z", r.Timestamp)
	assert.Equal(t, "sess-9", r.Payload["session_id"], "unflattened payload fields ride along")

	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, memory.EmbedProse, emb.kinds[0])

	require.Len(t, store.queries, 1)
	q := store.queries[0]
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, q.Query)
	assert.Equal(t, defaultLimit, q.Limit)
	assert.InDelta(t, 0.5, float64(q.ScoreThreshold), 1e-6)
	require.NotNil(t, q.Filter)
	require.Len(t, q.Filter.Must, 4)
	assert.Equal(t, "group_id", q.Filter.Must[0].Key)
	assert.Equal(t, "engram", q.Filter.Must[0].Match.Value)
	assert.Equal(t, "type", q.Filter.Must[1].Key)
	assert.Equal(t, "decision", q.Filter.Must[1].Match.Value)
	assert.Equal(t, "agent_id", q.Filter.Must[2].Key)
	assert.Equal(t, "parzival", q.Filter.Must[2].Match.Value)
	assert.Equal(t, "source_hook", q.Filter.Must[3].Key, "source filter targets the stored payload key")
	assert.Equal(t, "user_prompt_capture", q.Filter.Must[3].Match.Value)
	assert.Contains(t, store.queryPaths[0], "/collections/discussions/")
}

func TestSearchFastModeSkipsEmbedding(t *testing.T) {
	store := &fakeStore{}
	srv := store.server(t)
	emb := &fakeEmbedder{}
	s := newTestSearcher(t, srv.URL, emb)

	_, err := s.Search(context.Background(), Query{
		Collection: "discussions",
		FastMode:   true,
		Vector:     []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	assert.Zero(t, emb.calls)
	require.Len(t, store.queries, 1)
	assert.Equal(t, []float32{1, 0, 0, 0}, store.queries[0].Query)
}

func TestSearchEmbedFamilyFollowsCollection(t *testing.T) {
	store := &fakeStore{}
	srv := store.server(t)
	emb := &fakeEmbedder{}
	s := newTestSearcher(t, srv.URL, emb)

	_, err := s.Search(context.Background(), Query{
		Text:       "retry with backoff",
		Collection: "code-patterns",
	})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), Query{
		Text:       "retry with backoff",
		Collection: "conventions",
	})
	require.NoError(t, err)

	require.Len(t, emb.kinds, 2)
	assert.Equal(t, memory.EmbedCode, emb.kinds[0])
	assert.Equal(t, memory.EmbedProse, emb.kinds[1])
}

func TestSearchTypeListUsesMatchAny(t *testing.T) {
	store := &fakeStore{}
	srv := store.server(t)
	s := newTestSearcher(t, srv.URL, &fakeEmbedder{})

	_, err := s.Search(context.Background(), Query{
		Text:       "recent work",
		Collection: "discussions",
		Types:      []string{"decision", "session"},
	})
	require.NoError(t, err)
	require.Len(t, store.queries, 1)
	f := store.queries[0].Filter
	require.NotNil(t, f)
	require.Len(t, f.Must, 1)
	assert.Equal(t, []any{"decision", "session"}, f.Must[0].Match.Any)
}

func TestSearchEmbedErrorFails(t *testing.T) {
	store := &fakeStore{}
	srv := store.server(t)
	emb := &fakeEmbedder{err: assert.AnError}
	s := newTestSearcher(t, srv.URL, emb)

	_, err := s.Search(context.Background(), Query{Text: "anything", Collection: "discussions"})
	require.Error(t, err)
	assert.Empty(t, store.queries)
}

func TestGetRecentOrdersByTimestamp(t *testing.T) {
	store := &fakeStore{scrollPoints: []map[string]any{
		{"id": "newest", "payload": map[string]any{"timestamp": "2025-06-03T08:00:00Z", "type": "agent_handoff"}},
	}}
	srv := store.server(t)
	s := newTestSearcher(t, srv.URL, &fakeEmbedder{})

	records, err := s.GetRecent(context.Background(), Query{
		Types:   []string{"agent_handoff"},
		GroupID: "engram",
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "newest", records[0].ID)

	// agent_handoff routes to discussions without naming a collection.
	require.Len(t, store.scrollPaths, 1)
	assert.Contains(t, store.scrollPaths[0], "/collections/discussions/")

	// The store orders the scroll via the timestamp index.
	require.Len(t, store.scrolls, 1)
	sc := store.scrolls[0]
	assert.Equal(t, 1, sc.Limit)
	require.NotNil(t, sc.OrderBy)
	assert.Equal(t, "timestamp", sc.OrderBy.Key)
	assert.Equal(t, "desc", sc.OrderBy.Direction)
	require.NotNil(t, sc.Filter)
	require.Len(t, sc.Filter.Must, 2)
	assert.Equal(t, "group_id", sc.Filter.Must[0].Key)
	assert.Equal(t, "type", sc.Filter.Must[1].Key)
}

func TestGetRecentNeedsCollectionOrType(t *testing.T) {
	store := &fakeStore{}
	srv := store.server(t)
	s := newTestSearcher(t, srv.URL, &fakeEmbedder{})

	_, err := s.GetRecent(context.Background(), Query{Limit: 1})
	require.Error(t, err)
}
