// Package embedding generates vector embeddings for memory content.
// Supports multiple backends: Ollama (local) and Google GenAI (cloud).
//
// Content is routed to one of two embedding families: prose models for
// conventions and discussions, code models for code patterns. Storage and
// retrieval must route through the same family or similarity scores are
// meaningless.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/memory"

	"go.uber.org/zap"
)

// ErrTransient marks failures worth retrying: the service was unreachable,
// overloaded, or timed out. Anything else is permanent and retrying would
// only repeat the answer.
var ErrTransient = errors.New("transient embedding failure")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// SERVICE
// =============================================================================

// Service owns one engine per embedding family and retries transient
// failures with exponential backoff.
type Service struct {
	prose      Engine
	code       Engine
	maxRetries int
	retryBase  time.Duration
	logger     *zap.Logger
}

// NewService builds the embedding service for the configured provider.
func NewService(cfg *config.Config) (*Service, error) {
	var prose, code Engine

	switch cfg.Embedding.Provider {
	case "ollama":
		timeout := cfg.GetEmbeddingTimeout()
		prose = NewOllamaEngine(cfg.Embedding.URL, cfg.Embedding.ProseModel, timeout)
		code = NewOllamaEngine(cfg.Embedding.URL, cfg.Embedding.CodeModel, timeout)
	case "genai":
		// GenAI has no separate code model; one engine serves both families.
		model := cfg.Embedding.ProseModel
		if !strings.HasPrefix(model, "gemini") {
			model = ""
		}
		eng, err := NewGenAIEngine(cfg.Embedding.GenAIAPIKey, model)
		if err != nil {
			return nil, err
		}
		prose, code = eng, eng
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Embedding.Provider)
	}

	retries := cfg.Embedding.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	return &Service{
		prose:      prose,
		code:       code,
		maxRetries: retries,
		retryBase:  time.Second,
		logger:     logging.L("embedding"),
	}, nil
}

// Embed generates an embedding routed by family, retrying transient
// failures. The last error is returned when retries are exhausted and still
// satisfies errors.Is(err, ErrTransient), so callers can queue the capture
// for later.
func (s *Service) Embed(ctx context.Context, kind memory.EmbedKind, text string) ([]float32, error) {
	eng := s.engineFor(kind)

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vec, err := eng.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			break
		}
		s.logger.Warn("embedding attempt failed",
			zap.String("engine", eng.Name()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// EmbedBatch embeds a batch with the same retry policy, retrying the whole
// batch on transient failure.
func (s *Service) EmbedBatch(ctx context.Context, kind memory.EmbedKind, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	eng := s.engineFor(kind)

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vecs, err := eng.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			break
		}
		s.logger.Warn("batch embedding attempt failed",
			zap.String("engine", eng.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(texts)),
			zap.Error(err))
	}
	return nil, lastErr
}

// ModelFor returns the engine name recorded in stored payloads for a
// family.
func (s *Service) ModelFor(kind memory.EmbedKind) string {
	return s.engineFor(kind).Name()
}

// Dimensions returns the vector size produced by the service.
func (s *Service) Dimensions() int {
	return s.prose.Dimensions()
}

// HealthCheck verifies that every distinct engine is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	engines := []Engine{s.prose}
	if s.code != s.prose {
		engines = append(engines, s.code)
	}
	for _, eng := range engines {
		hc, ok := eng.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", eng.Name(), err)
		}
	}
	return nil
}

func (s *Service) engineFor(kind memory.EmbedKind) Engine {
	if kind == memory.EmbedCode {
		return s.code
	}
	return s.prose
}
