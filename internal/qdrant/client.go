// Package qdrant is a thin REST adapter for the Qdrant vector store. It
// covers exactly the surface the memory layer uses: collection lifecycle,
// point upsert and payload updates, filtered query/scroll/count, and the
// maintenance calls (payload indexes, quantization, HNSW tuning).
//
// Transport-level failures and 5xx gateway statuses wrap ErrUnavailable so
// callers can degrade instead of crashing a hook.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks failures where Qdrant could not be reached at all.
var ErrUnavailable = errors.New("qdrant unavailable")

// Client talks to a single Qdrant instance over REST.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Qdrant client. An empty URL falls back to the local
// default instance.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if url == "" {
		url = "http://localhost:6333"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(url, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// =============================================================================
// POINT AND RESULT TYPES
// =============================================================================

// Point is a stored vector with its payload. IDs are deterministic UUIDs
// derived from the content hash.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a query hit.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// CollectionInfo is the subset of collection metadata the status command
// reports.
type CollectionInfo struct {
	Status      string `json:"status"`
	PointsCount int64  `json:"points_count"`
}

// OrderBy orders scroll results by a payload field.
type OrderBy struct {
	Key       string `json:"key"`
	Direction string `json:"direction,omitempty"`
}

// ScalarQuantization configures int8 scalar quantization.
type ScalarQuantization struct {
	Type      string  `json:"type"`
	Quantile  float32 `json:"quantile,omitempty"`
	AlwaysRAM bool    `json:"always_ram,omitempty"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Ready checks that the instance answers its readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: readiness status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// EnsureCollection creates the collection if it does not exist yet. Existing
// collections are left untouched, whatever their parameters.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
		"on_disk_payload": true,
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

// Info returns collection status and point count.
func (c *Client) Info(ctx context.Context, name string) (*CollectionInfo, error) {
	var info CollectionInfo
	if err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Upsert writes points and waits for them to be persisted.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

// GetPoints retrieves points by ID with payloads.
func (c *Client) GetPoints(ctx context.Context, collection string, ids []string) ([]Point, error) {
	body := map[string]any{"ids": ids, "with_payload": true}
	var points []Point
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// SetPayload merges payload fields into the given points.
func (c *Client) SetPayload(ctx context.Context, collection string, payload map[string]any, ids []string) error {
	body := map[string]any{"payload": payload, "points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/payload?wait=true", body, nil)
}

// UpdateVectors replaces vectors on existing points, leaving payloads as
// they are.
func (c *Client) UpdateVectors(ctx context.Context, collection string, vectors map[string][]float32) error {
	points := make([]map[string]any, 0, len(vectors))
	for id, vec := range vectors {
		points = append(points, map[string]any{"id": id, "vector": vec})
	}
	body := map[string]any{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points/vectors?wait=true", body, nil)
}

// DeletePoints removes points by ID.
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []string) error {
	body := map[string]any{"points": ids}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

type queryRequest struct {
	Query          []float32 `json:"query"`
	Filter         *Filter   `json:"filter,omitempty"`
	Limit          int       `json:"limit"`
	ScoreThreshold float32   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type queryResult struct {
	Points []ScoredPoint `json:"points"`
}

// Query runs a vector similarity search with an optional payload filter.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, filter *Filter, limit int, scoreThreshold float32) ([]ScoredPoint, error) {
	req := queryRequest{
		Query:          vector,
		Filter:         filter,
		Limit:          limit,
		ScoreThreshold: scoreThreshold,
		WithPayload:    true,
	}
	var res queryResult
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/query", req, &res); err != nil {
		return nil, err
	}
	return res.Points, nil
}

type scrollRequest struct {
	Filter      *Filter  `json:"filter,omitempty"`
	Limit       int      `json:"limit"`
	Offset      any      `json:"offset,omitempty"`
	WithPayload bool     `json:"with_payload"`
	WithVector  bool     `json:"with_vector,omitempty"`
	OrderBy     *OrderBy `json:"order_by,omitempty"`
}

type scrollResult struct {
	Points         []Point `json:"points"`
	NextPageOffset any     `json:"next_page_offset"`
}

// ScrollOptions tunes a Scroll call.
type ScrollOptions struct {
	Filter      *Filter
	Limit       int
	Offset      any
	WithVectors bool
	OrderBy     *OrderBy
}

// Scroll pages through points matching a filter. The second return value is
// the offset for the next page, nil when exhausted.
func (c *Client) Scroll(ctx context.Context, collection string, opts ScrollOptions) ([]Point, any, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	req := scrollRequest{
		Filter:      opts.Filter,
		Limit:       limit,
		Offset:      opts.Offset,
		WithPayload: true,
		WithVector:  opts.WithVectors,
		OrderBy:     opts.OrderBy,
	}
	var res scrollResult
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", req, &res); err != nil {
		return nil, nil, err
	}
	return res.Points, res.NextPageOffset, nil
}

// Count returns the exact number of points matching a filter.
func (c *Client) Count(ctx context.Context, collection string, filter *Filter) (int64, error) {
	body := map[string]any{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	var res struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// CreatePayloadIndex indexes a payload field for filtered search. Schema is
// a Qdrant field type such as "keyword", "float", or "datetime".
func (c *Client) CreatePayloadIndex(ctx context.Context, collection, field, schema string) error {
	body := map[string]any{"field_name": field, "field_schema": schema}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/index?wait=true", body, nil)
}

// CreateTenantIndex indexes a keyword field with the tenant flag so Qdrant
// co-locates each tenant's points inside the HNSW graph. Used for group_id
// and source.
func (c *Client) CreateTenantIndex(ctx context.Context, collection, field string) error {
	body := map[string]any{
		"field_name":   field,
		"field_schema": map[string]any{"type": "keyword", "is_tenant": true},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/index?wait=true", body, nil)
}

// SetQuantization enables scalar quantization on a collection.
func (c *Client) SetQuantization(ctx context.Context, collection string, q ScalarQuantization) error {
	body := map[string]any{
		"quantization_config": map[string]any{"scalar": q},
	}
	return c.do(ctx, http.MethodPatch, "/collections/"+collection, body, nil)
}

// SetHNSW tunes the collection's HNSW graph parameters.
func (c *Client) SetHNSW(ctx context.Context, collection string, m, efConstruct int) error {
	body := map[string]any{
		"hnsw_config": map[string]any{"m": m, "ef_construct": efConstruct},
	}
	return c.do(ctx, http.MethodPatch, "/collections/"+collection, body, nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.code, e.body)
}

// IsNotFound reports whether an error is a 404 from Qdrant.
func IsNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// do sends one JSON request and decodes the result envelope into out when
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &statusError{code: resp.StatusCode, body: string(bodyBytes)}
	}

	if out == nil {
		return nil
	}

	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
