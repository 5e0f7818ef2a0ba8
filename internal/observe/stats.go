package observe

import (
	"context"
	"fmt"

	"engram/internal/logging"
	"engram/internal/qdrant"

	"go.uber.org/zap"
)

// Warning thresholds. Past these a collection (or one tenant inside it)
// is large enough that retrieval quality and scroll costs start degrading.
const (
	CollectionWarnThreshold = 50_000
	TenantWarnThreshold     = 20_000
)

// CollectionStat is the size picture for one collection, with the active
// tenant's share broken out when a group id was given.
type CollectionStat struct {
	Collection   string `json:"collection"`
	Points       int64  `json:"points"`
	TenantPoints int64  `json:"tenant_points,omitempty"`
}

// CollectStats counts points per collection, plus the groupID tenant's share
// when groupID is non-empty. A collection that does not exist yet counts as
// zero rather than failing the whole report.
func CollectStats(ctx context.Context, client *qdrant.Client, collections []string, groupID string) ([]CollectionStat, error) {
	stats := make([]CollectionStat, 0, len(collections))
	for _, name := range collections {
		total, err := client.Count(ctx, name, nil)
		if err != nil {
			if qdrant.IsNotFound(err) {
				stats = append(stats, CollectionStat{Collection: name})
				continue
			}
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}

		stat := CollectionStat{Collection: name, Points: total}
		if groupID != "" {
			tenantCount, err := client.Count(ctx, name, qdrant.MustMatch("group_id", groupID))
			if err == nil {
				stat.TenantPoints = tenantCount
			}
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// SizeWarnings returns human-readable warnings for oversized collections and
// tenants, logging each one.
func SizeWarnings(stats []CollectionStat, groupID string) []string {
	log := logging.L("stats")
	var warnings []string
	for _, s := range stats {
		if s.Points > CollectionWarnThreshold {
			w := fmt.Sprintf("collection %s holds %d points (threshold %d)",
				s.Collection, s.Points, CollectionWarnThreshold)
			warnings = append(warnings, w)
			log.Warn("collection over size threshold",
				zap.String("collection", s.Collection),
				zap.Int64("points", s.Points))
		}
		if s.TenantPoints > TenantWarnThreshold {
			w := fmt.Sprintf("tenant %s holds %d points in %s (threshold %d)",
				groupID, s.TenantPoints, s.Collection, TenantWarnThreshold)
			warnings = append(warnings, w)
			log.Warn("tenant over size threshold",
				zap.String("collection", s.Collection),
				zap.String("group_id", groupID),
				zap.Int64("points", s.TenantPoints))
		}
	}
	return warnings
}
