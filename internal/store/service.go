// Package store is the single write path into the vector store. Every
// capture, whatever its origin, goes through Service.Store: validation,
// security scanning, routing, smart truncation, dedup, embedding, upsert,
// and classification enqueue, in that order, each step with an explicit
// failure policy. Transport failures degrade to the retry queue instead of
// losing the write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/qdrant"
	"engram/internal/queue"
	"engram/internal/security"
	"engram/internal/truncate"

	"go.uber.org/zap"
)

// minContentRunes rejects degenerate captures ("ok", "done").
const minContentRunes = 8

// classifyContentCap bounds the content carried in a classification task.
const classifyContentCap = 2000

// Status is the outcome of one write.
type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
	StatusBlocked   Status = "blocked"
	StatusQueued    Status = "queued"
)

// Request is one write. It serializes cleanly because queued writes and
// detached-worker work orders carry it as JSON.
type Request struct {
	Content    string      `json:"content"`
	CWD        string      `json:"cwd,omitempty"`
	Type       memory.Type `json:"memory_type"`
	SourceHook string      `json:"source_hook"`
	SessionID  string      `json:"session_id,omitempty"`

	// GroupID overrides project detection; Collection overrides type routing.
	GroupID    string `json:"group_id,omitempty"`
	Collection string `json:"collection,omitempty"`

	FilePath       string         `json:"file_path,omitempty"`
	FileReferences []string       `json:"file_references,omitempty"`
	Language       string         `json:"language,omitempty"`
	Importance     string         `json:"importance,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	TurnNumber     int            `json:"turn_number,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Result is the outcome of one write.
type Result struct {
	Status          Status `json:"status"`
	MemoryID        string `json:"memory_id,omitempty"`
	EmbeddingStatus string `json:"embedding_status,omitempty"`
	// Reason explains blocked results.
	Reason string `json:"reason,omitempty"`
}

// Embedder is the slice of the embedding service the store needs.
type Embedder interface {
	Embed(ctx context.Context, kind memory.EmbedKind, text string) ([]float32, error)
	ModelFor(kind memory.EmbedKind) string
}

// Service is the storage core.
type Service struct {
	cfg      *config.Config
	client   *qdrant.Client
	embedder Embedder
	scanner  *security.Scanner
	retryQ   *queue.RetryQueue
	taskQ    *queue.TaskQueue
	log      *zap.Logger
}

// NewService wires the storage core from config.
func NewService(cfg *config.Config) (*Service, error) {
	embedder, err := embedding.NewService(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		client:   qdrant.NewClient(cfg.Store.URL, cfg.Store.APIKey, cfg.GetStoreTimeout()),
		embedder: embedder,
		scanner:  security.NewScanner(cfg.Security.Enabled, cfg.Security.NEREnabled),
		retryQ:   queue.NewRetryQueue(cfg.PendingQueueFile(), cfg.DeadLetterFile()),
		taskQ:    queue.NewTaskQueue(cfg.ClassifyQueueDir()),
		log:      logging.L("store"),
	}, nil
}

// NewServiceWith builds a storage core with explicit dependencies. Tests and
// the retry processor use it.
func NewServiceWith(cfg *config.Config, client *qdrant.Client, embedder Embedder, scanner *security.Scanner, retryQ *queue.RetryQueue, taskQ *queue.TaskQueue) *Service {
	return &Service{
		cfg:      cfg,
		client:   client,
		embedder: embedder,
		scanner:  scanner,
		retryQ:   retryQ,
		taskQ:    taskQ,
		log:      logging.L("store"),
	}
}

// Client exposes the vector-store client for callers that share it.
func (s *Service) Client() *qdrant.Client {
	return s.client
}

// Store runs the full write pipeline for one request.
func (s *Service) Store(ctx context.Context, req Request) (Result, error) {
	// Validation.
	if utf8.RuneCountInString(req.Content) < minContentRunes {
		return Result{}, fmt.Errorf("content too short: %d runes (minimum %d)",
			utf8.RuneCountInString(req.Content), minContentRunes)
	}
	info, ok := req.Type.Info()
	if !ok {
		return Result{}, fmt.Errorf("unknown memory type %q", req.Type)
	}
	if !memory.ValidSourceHook(req.SourceHook) {
		return Result{}, fmt.Errorf("unknown source_hook %q", req.SourceHook)
	}
	groupID := req.GroupID
	if groupID == "" {
		groupID = ResolveGroupID(req.CWD)
	}
	if groupID == "" {
		return Result{}, fmt.Errorf("could not resolve group_id from cwd %q", req.CWD)
	}

	// The dedup identity is the hash of the content as captured, before
	// masking and truncation, so retries of one capture converge.
	contentHash := memory.ContentHash(req.Content)

	// Security scan.
	scanned := s.scanner.Scan(req.Content)
	if scanned.Action == security.ActionBlocked {
		s.emit(req, StatusBlocked, groupID, info.Collection)
		s.log.Warn("capture blocked by security scan",
			zap.String("source_hook", req.SourceHook),
			zap.Int("findings", len(scanned.Findings)))
		return Result{Status: StatusBlocked, Reason: blockReason(scanned)}, nil
	}
	content := scanned.Content

	// Routing.
	collection := info.Collection
	if req.Collection != "" {
		if !validCollection(req.Collection) {
			return Result{}, fmt.Errorf("unknown collection %q", req.Collection)
		}
		collection = req.Collection
	}

	// Smart truncation.
	truncated := truncate.Apply(content, info.Truncation, info.Budget)
	content = truncated.Content

	// Dedup.
	if existing, err := s.findDuplicate(ctx, collection, groupID, contentHash, req.Type); err != nil {
		if errors.Is(err, qdrant.ErrUnavailable) {
			return s.enqueueRetry(req, groupID, collection, "dedup scroll: store unavailable")
		}
		return Result{}, fmt.Errorf("dedup scroll failed: %w", err)
	} else if existing != "" {
		s.emit(req, StatusDuplicate, groupID, collection)
		s.log.Debug("duplicate capture skipped",
			zap.String("memory_id", existing),
			zap.String("collection", collection))
		return Result{Status: StatusDuplicate, MemoryID: existing}, nil
	}

	// Embed. The embedding service already retries transient failures with
	// backoff; a final failure degrades to a zero vector that the backfill
	// job fills in later.
	embedStart := time.Now()
	vector, err := s.embedder.Embed(ctx, info.Embed, content)
	embedStatus := memory.EmbeddingComplete
	if err != nil {
		if !errors.Is(err, embedding.ErrTransient) {
			return Result{}, fmt.Errorf("embedding failed: %w", err)
		}
		vector = make([]float32, s.cfg.Store.VectorSize)
		embedStatus = memory.EmbeddingPending
		s.log.Warn("embedding unavailable, storing with pending vector", zap.Error(err))
	}
	embedDuration := time.Since(embedStart)

	// Upsert.
	record := s.buildRecord(req, content, contentHash, groupID, embedStatus, info)
	point := qdrant.Point{ID: record.PointID(), Vector: vector, Payload: record.Payload()}
	if err := s.client.Upsert(ctx, collection, []qdrant.Point{point}); err != nil {
		if errors.Is(err, qdrant.ErrUnavailable) {
			return s.enqueueRetry(req, groupID, collection, "upsert: store unavailable")
		}
		return Result{}, fmt.Errorf("upsert failed: %w", err)
	}

	// Enqueue classification. Best-effort: a full disk must not fail the
	// write that already landed.
	if s.cfg.Classifier.Enabled {
		task := queue.Task{
			MemoryID:    record.PointID(),
			Collection:  collection,
			Content:     capRunes(content, classifyContentCap),
			CurrentType: string(req.Type),
			GroupID:     groupID,
			SourceHook:  req.SourceHook,
			SessionID:   req.SessionID,
			TraceID:     observe.TraceIDFromEnv(),
		}
		if err := s.taskQ.Enqueue(task); err != nil {
			s.log.Warn("failed to enqueue classification task",
				zap.String("memory_id", record.PointID()), zap.Error(err))
		}
	}

	// Observability.
	observe.Emit(
		observe.Capture(req.SourceHook, string(StatusStored), groupID, collection),
		observe.EmbeddingRequest(embedStatus),
		observe.Duration(observe.MetricEmbedDuration, embedDuration),
		observe.Tokens("capture", "stored", truncated.Tokens),
	)
	s.log.Info("memory stored",
		zap.String("memory_id", record.PointID()),
		zap.String("collection", collection),
		zap.String("type", string(req.Type)),
		zap.String("group_id", groupID),
		zap.String("embedding_status", embedStatus),
		zap.Bool("truncated", truncated.Truncated))

	return Result{Status: StatusStored, MemoryID: record.PointID(), EmbeddingStatus: embedStatus}, nil
}

// BatchItem pairs one batch input with its outcome.
type BatchItem struct {
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

// StoreBatch applies the full per-record policy to each request and returns
// one item per input, in order. A failed record never hides its neighbors.
func (s *Service) StoreBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		res, err := s.Store(ctx, req)
		items[i].Result = res
		if err != nil {
			items[i].Error = err.Error()
		}
	}
	return items
}

// findDuplicate scrolls for an existing point with the same identity triple.
// Payload-only: vectors never ride the dedup path.
func (s *Service) findDuplicate(ctx context.Context, collection, groupID, contentHash string, typ memory.Type) (string, error) {
	filter := &qdrant.Filter{Must: []qdrant.Condition{
		qdrant.MatchValue("group_id", groupID),
		qdrant.MatchValue("content_hash", contentHash),
		qdrant.MatchValue("type", string(typ)),
	}}
	points, _, err := s.client.Scroll(ctx, collection, qdrant.ScrollOptions{Filter: filter, Limit: 1})
	if err != nil {
		if qdrant.IsNotFound(err) {
			return "", nil // collection not created yet, nothing to collide with
		}
		return "", err
	}
	if len(points) == 0 {
		return "", nil
	}
	return points[0].ID, nil
}

func (s *Service) buildRecord(req Request, content, contentHash, groupID, embedStatus string, info memory.Info) memory.Record {
	record := memory.NewRecord(content, contentHash, groupID, req.Type, req.SourceHook, req.SessionID)
	record.EmbeddingStatus = embedStatus
	record.EmbeddingModel = s.embedder.ModelFor(info.Embed)
	record.FilePath = req.FilePath
	record.FileReferences = req.FileReferences
	record.Language = req.Language
	record.Importance = req.Importance
	record.Tags = req.Tags
	record.TurnNumber = req.TurnNumber
	record.AgentID = req.AgentID
	record.Extra = req.Extra
	return record
}

// enqueueRetry serializes the original request into the retry queue and
// reports the write as queued. Only a broken queue makes this an error.
func (s *Service) enqueueRetry(req Request, groupID, collection, reason string) (Result, error) {
	if _, err := s.retryQ.Enqueue(req, reason, false); err != nil {
		return Result{}, fmt.Errorf("store unavailable and retry enqueue failed: %w", err)
	}
	s.emit(req, StatusQueued, groupID, collection)
	return Result{Status: StatusQueued}, nil
}

func (s *Service) emit(req Request, status Status, groupID, collection string) {
	obs := []observe.Observation{
		observe.Capture(req.SourceHook, string(status), groupID, collection),
	}
	if status == StatusDuplicate {
		obs = append(obs, observe.Dedup(groupID))
	}
	observe.Emit(obs...)
}

func blockReason(r security.Result) string {
	if len(r.Findings) == 0 {
		return "secret detected"
	}
	return fmt.Sprintf("secret detected: %s", r.Findings[0].Type)
}

func validCollection(name string) bool {
	for _, c := range memory.Collections() {
		if c == name {
			return true
		}
	}
	return false
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// IsRetryable classifies an error for the retry processor: vector-store
// outages and transient embedding failures earn another attempt, anything
// else is treated as a bug.
func IsRetryable(err error) bool {
	return errors.Is(err, qdrant.ErrUnavailable) ||
		errors.Is(err, embedding.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
