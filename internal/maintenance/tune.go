package maintenance

import (
	"context"
	"fmt"

	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/qdrant"

	"go.uber.org/zap"
)

// Quantization parameters for all collections. int8 scalar at the 0.99
// quantile keeps recall while cutting vector memory roughly 4x; always_ram
// keeps quantized vectors resident so the originals can go to disk.
const (
	quantizationType     = "int8"
	quantizationQuantile = 0.99
)

// Default HNSW graph parameters applied by optimize-hnsw.
const (
	DefaultHNSWM           = 16
	DefaultHNSWEfConstruct = 200
)

// EnableQuantization turns on scalar quantization for every collection.
// Returns the collections touched (or that would be touched under dry-run).
func EnableQuantization(ctx context.Context, client *qdrant.Client, dryRun bool) ([]string, error) {
	log := logging.L("maintenance")
	var done []string
	for _, coll := range memory.Collections() {
		if !dryRun {
			q := qdrant.ScalarQuantization{
				Type:      quantizationType,
				Quantile:  quantizationQuantile,
				AlwaysRAM: true,
			}
			if err := client.SetQuantization(ctx, coll, q); err != nil {
				return done, fmt.Errorf("quantize %s: %w", coll, err)
			}
		}
		done = append(done, coll)
		log.Info("quantization enabled", zap.String("collection", coll), zap.Bool("dry_run", dryRun))
	}
	return done, nil
}

// OptimizeHNSW retunes the HNSW graph of one or all collections.
func OptimizeHNSW(ctx context.Context, client *qdrant.Client, collection string, m, efConstruct int, dryRun bool) ([]string, error) {
	collections, err := targetCollections(collection)
	if err != nil {
		return nil, err
	}
	if m <= 0 {
		m = DefaultHNSWM
	}
	if efConstruct <= 0 {
		efConstruct = DefaultHNSWEfConstruct
	}

	log := logging.L("maintenance")
	var done []string
	for _, coll := range collections {
		if !dryRun {
			if err := client.SetHNSW(ctx, coll, m, efConstruct); err != nil {
				return done, fmt.Errorf("optimize %s: %w", coll, err)
			}
		}
		done = append(done, coll)
		log.Info("hnsw tuned",
			zap.String("collection", coll),
			zap.Int("m", m),
			zap.Int("ef_construct", efConstruct),
			zap.Bool("dry_run", dryRun))
	}
	return done, nil
}
