// Package maintenance holds the operator commands that touch the vector
// store outside the capture path: promoting pending embeddings, tuning
// collections, and backup/restore. Everything here is batch work driven by
// the CLI, not by hooks.
package maintenance

import (
	"context"
	"fmt"

	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/qdrant"

	"go.uber.org/zap"
)

// embedContentCap bounds the text sent to the embedding service. Matches
// the cap the capture path applies before its own embed call.
const embedContentCap = 2000

// defaultBackfillBatch is the scroll page and update batch size.
const defaultBackfillBatch = 50

// Embedder is the slice of the embedding service backfill needs.
type Embedder interface {
	Embed(ctx context.Context, kind memory.EmbedKind, text string) ([]float32, error)
	ModelFor(kind memory.EmbedKind) string
}

// BackfillOptions tunes one backfill run.
type BackfillOptions struct {
	// Collection restricts the run to one collection; empty means all.
	Collection string
	BatchSize  int
	DryRun     bool
}

// BackfillReport totals one run. Failed points stay pending and are picked
// up again by the next run.
type BackfillReport struct {
	Scanned int
	Updated int
	Failed  int
	Skipped int
}

// Backfiller promotes points stored with a zero vector and
// embedding_status=pending to real vectors.
type Backfiller struct {
	client   *qdrant.Client
	embedder Embedder
	log      *zap.Logger
}

func NewBackfiller(client *qdrant.Client, embedder Embedder) *Backfiller {
	return &Backfiller{
		client:   client,
		embedder: embedder,
		log:      logging.L("backfill"),
	}
}

// Run scans for pending points and promotes them. Per-point embed failures
// are logged and skipped; only transport failures abort the run.
func (b *Backfiller) Run(ctx context.Context, opts BackfillOptions) (BackfillReport, error) {
	collections, err := targetCollections(opts.Collection)
	if err != nil {
		return BackfillReport{}, err
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBackfillBatch
	}

	var report BackfillReport
	for _, coll := range collections {
		if err := b.collection(ctx, coll, batch, opts.DryRun, &report); err != nil {
			return report, err
		}
	}
	b.log.Info("backfill finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("dry_run", opts.DryRun))
	return report, nil
}

func (b *Backfiller) collection(ctx context.Context, coll string, batch int, dryRun bool, report *BackfillReport) error {
	filter := &qdrant.Filter{Must: []qdrant.Condition{
		{Key: "embedding_status", Match: &qdrant.Match{Value: memory.EmbeddingPending}},
	}}

	var offset any
	for {
		points, next, err := b.client.Scroll(ctx, coll, qdrant.ScrollOptions{
			Filter: filter,
			Limit:  batch,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("scroll %s: %w", coll, err)
		}
		if len(points) == 0 {
			return nil
		}
		report.Scanned += len(points)
		if !dryRun {
			b.promote(ctx, coll, points, report)
		}
		if next == nil {
			return nil
		}
		offset = next
	}
}

// promote embeds one page of pending points and flips their status. The
// vector update and the payload update are grouped per embedding model so
// the recorded embedding_model stays truthful for mixed pages.
func (b *Backfiller) promote(ctx context.Context, coll string, points []qdrant.Point, report *BackfillReport) {
	vectors := make(map[string][]float32, len(points))
	byModel := make(map[string][]string)
	fallback := memory.EmbedKindFor(coll)

	for _, p := range points {
		content, _ := p.Payload["content"].(string)
		if content == "" {
			report.Skipped++
			continue
		}
		kind := fallback
		if t, _ := p.Payload["type"].(string); t != "" {
			if info, ok := memory.Type(t).Info(); ok {
				kind = info.Embed
			}
		}
		vector, err := b.embedder.Embed(ctx, kind, capRunes(content, embedContentCap))
		if err != nil {
			report.Failed++
			b.log.Warn("backfill embed failed",
				zap.String("collection", coll), zap.String("id", p.ID), zap.Error(err))
			continue
		}
		vectors[p.ID] = vector
		model := b.embedder.ModelFor(kind)
		byModel[model] = append(byModel[model], p.ID)
	}
	if len(vectors) == 0 {
		return
	}

	if err := b.client.UpdateVectors(ctx, coll, vectors); err != nil {
		report.Failed += len(vectors)
		b.log.Warn("backfill vector update failed", zap.String("collection", coll), zap.Error(err))
		return
	}
	for model, ids := range byModel {
		payload := map[string]any{
			"embedding_status": memory.EmbeddingComplete,
			"embedding_model":  model,
		}
		if err := b.client.SetPayload(ctx, coll, payload, ids); err != nil {
			report.Failed += len(ids)
			b.log.Warn("backfill status update failed", zap.String("collection", coll), zap.Error(err))
			continue
		}
		report.Updated += len(ids)
	}
}

// targetCollections resolves the collection flag against the known set.
func targetCollections(name string) ([]string, error) {
	if name == "" {
		return memory.Collections(), nil
	}
	for _, coll := range memory.Collections() {
		if coll == name {
			return []string{name}, nil
		}
	}
	return nil, fmt.Errorf("unknown collection %q (one of %v)", name, memory.Collections())
}

func capRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

