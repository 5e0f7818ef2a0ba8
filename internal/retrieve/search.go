// Package retrieve runs semantic and recency lookups against the vector
// store and routes prompts to the collections worth searching. It is the
// read half of the pipeline; nothing here mutates stored records.
package retrieve

import (
	"context"
	"fmt"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/qdrant"

	"go.uber.org/zap"
)

// defaultLimit is the per-collection result cap when the caller does not
// set one.
const defaultLimit = 5

// Embedder is the slice of the embedding service the searcher needs.
type Embedder interface {
	Embed(ctx context.Context, kind memory.EmbedKind, text string) ([]float32, error)
}

// Query describes one search. Vector short-circuits embedding when FastMode
// is set; callers that already embedded the text upstream pass both.
type Query struct {
	Text           string
	Collection     string
	GroupID        string
	Limit          int
	ScoreThreshold float32
	Types          []string
	AgentID        string
	// Source filters on the record's source_hook payload field.
	Source string

	// FastMode skips the embedding call and searches with Vector as-is.
	FastMode bool
	Vector   []float32
}

// Record is one flattened hit: the fields every consumer reads are lifted
// out of the payload, and the remaining payload rides along for callers
// that need more.
type Record struct {
	ID         string
	Score      float32
	Content    string
	Type       string
	SourceHook string
	GroupID    string
	Timestamp  string
	Payload    map[string]any
}

// Searcher runs retrievals. One instance per process.
type Searcher struct {
	cfg      *config.Config
	client   *qdrant.Client
	embedder Embedder
	log      *zap.Logger
}

// NewSearcher wires a searcher from config.
func NewSearcher(cfg *config.Config, client *qdrant.Client, embedder Embedder) *Searcher {
	return &Searcher{
		cfg:      cfg,
		client:   client,
		embedder: embedder,
		log:      logging.L("retrieve"),
	}
}

// Search embeds the query once and runs an ANN search with tenant and type
// filters. Results come back sorted by score descending (the store's
// ordering) and flattened.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Record, error) {
	started := time.Now()
	vector := q.Vector
	if !q.FastMode {
		// The query must ride the same embedding family the collection was
		// stored with.
		var err error
		vector, err = s.embedder.Embed(ctx, memory.EmbedKindFor(q.Collection), q.Text)
		if err != nil {
			observe.Emit(observe.Retrieval(q.Collection, "error"))
			return nil, fmt.Errorf("query embedding failed: %w", err)
		}
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector for collection %s", q.Collection)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	points, err := s.client.Query(ctx, q.Collection, vector, searchFilter(q), limit, q.ScoreThreshold)
	if err != nil {
		observe.Emit(observe.Retrieval(q.Collection, "error"))
		return nil, fmt.Errorf("search in %s failed: %w", q.Collection, err)
	}

	records := make([]Record, 0, len(points))
	for _, p := range points {
		records = append(records, flatten(p.ID, p.Score, p.Payload))
	}

	s.log.Debug("search complete",
		zap.String("collection", q.Collection),
		zap.String("group_id", q.GroupID),
		zap.Int("results", len(records)),
		zap.Duration("took", time.Since(started)))
	observe.Emit(
		observe.Retrieval(q.Collection, "success"),
		observe.Duration(observe.MetricRetrievalDuration, time.Since(started)),
	)
	return records, nil
}

// GetRecent returns the newest records of a type without semantic ranking:
// a filtered scroll sorted by timestamp, newest first. Used for latest
// handoff lookups where similarity ordering would be wrong.
func (s *Searcher) GetRecent(ctx context.Context, q Query) ([]Record, error) {
	collection := q.Collection
	if collection == "" && len(q.Types) > 0 {
		collection = memory.Type(q.Types[0]).Collection()
	}
	if collection == "" {
		return nil, fmt.Errorf("recent lookup needs a collection or a known type")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}

	// The datetime index on timestamp lets the store order the scroll.
	points, _, err := s.client.Scroll(ctx, collection, qdrant.ScrollOptions{
		Filter:  searchFilter(q),
		Limit:   limit,
		OrderBy: &qdrant.OrderBy{Key: "timestamp", Direction: "desc"},
	})
	if err != nil {
		observe.Emit(observe.Retrieval(collection, "error"))
		return nil, fmt.Errorf("recent scroll in %s failed: %w", collection, err)
	}

	records := make([]Record, 0, len(points))
	for _, p := range points {
		records = append(records, flatten(p.ID, 0, p.Payload))
	}
	observe.Emit(observe.Retrieval(collection, "success"))
	return records, nil
}

// searchFilter builds the payload filter for a query. Shared collections
// pass an empty GroupID and get no tenant clause.
func searchFilter(q Query) *qdrant.Filter {
	var must []qdrant.Condition
	if q.GroupID != "" {
		must = append(must, qdrant.MatchValue("group_id", q.GroupID))
	}
	switch len(q.Types) {
	case 0:
	case 1:
		must = append(must, qdrant.MatchValue("type", q.Types[0]))
	default:
		vals := make([]any, len(q.Types))
		for i, t := range q.Types {
			vals[i] = t
		}
		must = append(must, qdrant.MatchAny("type", vals...))
	}
	if q.AgentID != "" {
		must = append(must, qdrant.MatchValue("agent_id", q.AgentID))
	}
	if q.Source != "" {
		must = append(must, qdrant.MatchValue("source_hook", q.Source))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// flatten lifts the well-known payload fields into the record.
func flatten(id string, score float32, payload map[string]any) Record {
	r := Record{ID: id, Score: score, Payload: payload}
	r.Content, _ = payload["content"].(string)
	r.Type, _ = payload["type"].(string)
	r.SourceHook, _ = payload["source_hook"].(string)
	r.GroupID, _ = payload["group_id"].(string)
	r.Timestamp, _ = payload["timestamp"].(string)
	return r
}
