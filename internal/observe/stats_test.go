package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"engram/internal/qdrant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/missing/points/count" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status": {"error": "not found"}}`)
			return
		}

		var req struct {
			Filter *qdrant.Filter `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		count := 60000
		if req.Filter != nil {
			count = 25000
		}
		fmt.Fprintf(w, `{"result": {"count": %d}, "status": "ok"}`, count)
	}))
	defer srv.Close()

	client := qdrant.NewClient(srv.URL, "", 5*time.Second)
	stats, err := CollectStats(context.Background(), client,
		[]string{"code-patterns", "missing"}, "engram")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, int64(60000), stats[0].Points)
	assert.Equal(t, int64(25000), stats[0].TenantPoints)
	assert.Equal(t, int64(0), stats[1].Points, "missing collection counts as empty")
}

func TestSizeWarnings(t *testing.T) {
	stats := []CollectionStat{
		{Collection: "code-patterns", Points: 60000, TenantPoints: 25000},
		{Collection: "conventions", Points: 10, TenantPoints: 5},
	}

	warnings := SizeWarnings(stats, "engram")
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "code-patterns")
	assert.Contains(t, warnings[0], "60000")
	assert.Contains(t, warnings[1], "tenant engram")
}

func TestSizeWarningsQuietUnderThresholds(t *testing.T) {
	stats := []CollectionStat{{Collection: "discussions", Points: 100}}
	assert.Empty(t, SizeWarnings(stats, "engram"))
}
