package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/observe"
	"engram/internal/store"
	"engram/internal/trigger"

	"go.uber.org/zap"
)

// WorkOrder is the JSON payload a write-side hook pipes to the detached
// store worker. Deferred work (transcript reads, pattern extraction) is
// flagged here so the hook itself never blocks on it.
type WorkOrder struct {
	Request         store.Request `json:"request"`
	TranscriptPath  string        `json:"transcript_path,omitempty"`
	ExtractPatterns bool          `json:"extract_patterns,omitempty"`
}

// RunStoreWorker processes one work order from in: resolve deferred
// content, run the storage pipeline, record the span. Runs detached from
// the hook that spawned it.
func RunStoreWorker(ctx context.Context, in io.Reader) error {
	var order WorkOrder
	if err := json.NewDecoder(in).Decode(&order); err != nil {
		return fmt.Errorf("decode work order: %w", err)
	}
	cfg := config.Get()
	log := logging.L("worker")

	span := observe.StartSpan("worker.store")
	span.SetAttr("source_hook", order.Request.SourceHook)
	defer func() {
		if cfg.Tracing.Enabled {
			if err := span.Write(cfg.TraceDir()); err != nil {
				log.Debug("span write failed", zap.Error(err))
			}
		}
	}()

	req := order.Request
	if order.TranscriptPath != "" && req.Content == "" {
		content := LastAssistantMessage(order.TranscriptPath)
		if content == "" {
			span.End(nil)
			log.Debug("no assistant message in transcript", zap.String("path", order.TranscriptPath))
			return nil
		}
		req.Content = content
	}
	if order.ExtractPatterns {
		content, ok := patternSummary(ctx, req)
		if !ok {
			span.End(nil)
			log.Debug("no patterns extracted", zap.String("file", req.FilePath))
			return nil
		}
		req.Content = content
	}

	svc, err := store.NewService(cfg)
	if err != nil {
		span.End(err)
		return fmt.Errorf("store init: %w", err)
	}
	res, err := svc.Store(ctx, req)
	span.End(err)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	log.Info("work order stored",
		zap.String("status", string(res.Status)),
		zap.String("memory_id", res.MemoryID),
		zap.String("source_hook", req.SourceHook))
	return nil
}

// patternSummary condenses edited source into the signature digest stored
// as a file_pattern record. No extractable patterns means nothing worth
// keeping.
func patternSummary(ctx context.Context, req store.Request) (string, bool) {
	patterns := trigger.ExtractPatterns(ctx, req.Content, req.Language)
	if len(patterns) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Patterns in %s:", req.FilePath)
	for _, p := range patterns {
		fmt.Fprintf(&b, "\n%s: %s", p.Kind, p.Signature)
	}
	return b.String(), true
}
