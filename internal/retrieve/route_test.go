package retrieve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collections(routes []Route) []string {
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.Collection
	}
	return out
}

func TestRouteDecisionRecall(t *testing.T) {
	routes := RouteCollections("why did we pick qdrant over pgvector?")
	assert.Equal(t, []string{"discussions"}, collections(routes))
	assert.False(t, routes[0].Shared)
}

func TestRouteConventionCue(t *testing.T) {
	routes := RouteCollections("is there a naming convention for handler files")
	assert.Equal(t, []string{"conventions"}, collections(routes))
	assert.True(t, routes[0].Shared, "conventions are searched without a tenant filter")
}

func TestRouteFilePath(t *testing.T) {
	routes := RouteCollections("something is off in internal/store/service.go around dedup")
	assert.Equal(t, []string{"code-patterns"}, collections(routes))
}

func TestRouteIntentWords(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"how do I wire the retry queue into the worker", "code-patterns"},
		{"what is our stance on table-driven tests", "conventions"},
		{"why is the classifier asynchronous", "discussions"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			routes := RouteCollections(tt.prompt)
			assert.Equal(t, tt.want, routes[0].Collection)
		})
	}
}

func TestRouteCascadeWhenNoSignal(t *testing.T) {
	routes := RouteCollections("refactor the thing we talked about earlier")
	assert.Equal(t, []string{"code-patterns", "conventions", "discussions"}, collections(routes))
}

func TestRouteDedupsRepeatedHits(t *testing.T) {
	// Decision phrasing and a "why" intent both point at discussions; the
	// route must appear once.
	routes := RouteCollections("why did we decide on internal/qdrant/client.go being REST only?")
	seen := map[string]int{}
	for _, r := range routes {
		seen[r.Collection]++
	}
	for c, n := range seen {
		assert.Equal(t, 1, n, "collection %s routed %d times", c, n)
	}
}
