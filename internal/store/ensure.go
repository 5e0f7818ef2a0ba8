package store

import (
	"context"
	"fmt"

	"engram/internal/memory"
	"engram/internal/qdrant"
)

// payloadIndexes are the filterable fields every collection carries. The
// dedup scroll and all retrieval filters stay indexed lookups instead of
// full scans.
var payloadIndexes = []struct {
	field  string
	schema string
	tenant bool
}{
	{"group_id", "keyword", true},
	{"source_hook", "keyword", true},
	{"type", "keyword", false},
	{"content_hash", "keyword", false},
	{"session_id", "keyword", false},
	{"timestamp", "datetime", false},
}

// EnsureCollections creates the three collections and their payload indexes.
// Idempotent: existing collections and indexes are left as they are.
func (s *Service) EnsureCollections(ctx context.Context) error {
	for _, name := range memory.Collections() {
		if err := s.client.EnsureCollection(ctx, name, s.cfg.Store.VectorSize); err != nil {
			return fmt.Errorf("failed to ensure collection %s: %w", name, err)
		}
		for _, idx := range payloadIndexes {
			var err error
			if idx.tenant {
				err = s.client.CreateTenantIndex(ctx, name, idx.field)
			} else {
				err = s.client.CreatePayloadIndex(ctx, name, idx.field, idx.schema)
			}
			if err != nil && !qdrant.IsNotFound(err) {
				return fmt.Errorf("failed to index %s.%s: %w", name, idx.field, err)
			}
		}
	}
	return nil
}
