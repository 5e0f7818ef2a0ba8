package inject

import (
	"context"

	"engram/internal/memory"
	"engram/internal/retrieve"
	"engram/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// bootstrapQuery is the semantic probe for warm session context. Session
// start has no user prompt yet, so the pull asks for the durable things a
// resuming session wants first.
const bootstrapQuery = "recent project decisions, open blockers, and current session status"

// BootstrapResult is the Tier-1 output.
type BootstrapResult struct {
	Block string
	Count int
}

// Bootstrap runs the session-start tier: the latest handoff, recent
// decisions and session summaries, shared guidelines, and connector records
// newer than the last session. Pulls run concurrently and each failure
// degrades to an empty pull; a cold store yields an empty block, never an
// error.
func (e *Engine) Bootstrap(ctx context.Context, st *session.State, groupID string) *BootstrapResult {
	var handoff, recent, guidelines, enrichment []hit

	g, ctx := errgroup.WithContext(ctx)

	if e.cfg.Agent.ParzivalEnabled {
		g.Go(func() error {
			records, err := e.searcher.GetRecent(ctx, retrieve.Query{
				Types:   []string{string(memory.TypeAgentHandoff)},
				AgentID: e.cfg.Agent.AgentID,
				GroupID: groupID,
				Limit:   1,
			})
			if err != nil {
				e.log.Warn("handoff pull failed", zap.Error(err))
				return nil
			}
			handoff = tag(records, memory.CollectionDiscussions)
			return nil
		})
	}

	g.Go(func() error {
		limit := e.cfg.Retention.RecentDecisions + e.cfg.Retention.RecentSessions
		records, err := e.searcher.Search(ctx, retrieve.Query{
			Text:       bootstrapQuery,
			Collection: memory.CollectionDiscussions,
			GroupID:    groupID,
			Types:      []string{string(memory.TypeDecision), string(memory.TypeSession)},
			Limit:      limit,
		})
		if err != nil {
			e.log.Warn("decision pull failed", zap.Error(err))
			return nil
		}
		recent = tag(records, memory.CollectionDiscussions)
		return nil
	})

	g.Go(func() error {
		records, err := e.searcher.GetRecent(ctx, retrieve.Query{
			Collection: memory.CollectionConventions,
			Types: []string{
				string(memory.TypeRule),
				string(memory.TypeGuideline),
				string(memory.TypeBestPractice),
			},
			Limit: e.cfg.Retention.GuidelineCount,
		})
		if err != nil {
			e.log.Warn("guideline pull failed", zap.Error(err))
			return nil
		}
		guidelines = tag(records, memory.CollectionConventions)
		return nil
	})

	if e.cfg.GitHub.Enabled || e.cfg.Jira.Enabled {
		g.Go(func() error {
			enrichment = e.connectorPull(ctx, groupID)
			return nil
		})
	}

	_ = g.Wait() // pulls never return errors, they degrade to empty

	merged := dedupByID(handoff, recent, guidelines, enrichment)
	res := &BootstrapResult{Block: formatBlock(merged), Count: len(merged)}

	ids := make([]string, len(merged))
	for i, h := range merged {
		ids[i] = h.ID
	}
	st.MarkInjected(ids...)

	e.audit(1, "session_start", groupID, st.SessionID, &Result{
		Considered:  len(merged),
		Selected:    len(merged),
		Collections: []string{memory.CollectionDiscussions, memory.CollectionConventions},
	})
	e.log.Info("session bootstrapped",
		zap.Int("handoff", len(handoff)),
		zap.Int("recent", len(recent)),
		zap.Int("guidelines", len(guidelines)),
		zap.Int("enrichment", len(enrichment)))
	return res
}

// connectorPull fetches GitHub and Jira records newer than the last session
// summary. No previous session means no baseline and no pull.
func (e *Engine) connectorPull(ctx context.Context, groupID string) []hit {
	baselineRecords, err := e.searcher.GetRecent(ctx, retrieve.Query{
		Types:   []string{string(memory.TypeSession)},
		GroupID: groupID,
		Limit:   1,
	})
	if err != nil || len(baselineRecords) == 0 || baselineRecords[0].Timestamp == "" {
		return nil
	}
	baseline := baselineRecords[0].Timestamp

	var types []string
	if e.cfg.GitHub.Enabled {
		types = append(types,
			string(memory.TypeGithubPR),
			string(memory.TypeGithubIssue),
			string(memory.TypeGithubCommit),
		)
	}
	if e.cfg.Jira.Enabled {
		types = append(types,
			string(memory.TypeJiraIssue),
			string(memory.TypeJiraComment),
		)
	}

	records, err := e.searcher.GetRecent(ctx, retrieve.Query{
		Collection: memory.CollectionDiscussions,
		Types:      types,
		GroupID:    groupID,
		Limit:      e.cfg.Retention.ConnectorNewest,
	})
	if err != nil {
		e.log.Warn("connector pull failed", zap.Error(err))
		return nil
	}

	var fresh []hit
	for _, r := range records {
		if r.Timestamp > baseline {
			fresh = append(fresh, hit{Record: r, collection: memory.CollectionDiscussions})
		}
	}
	return fresh
}

// tag labels records with their source collection.
func tag(records []retrieve.Record, collection string) []hit {
	hits := make([]hit, len(records))
	for i, r := range records {
		hits[i] = hit{Record: r, collection: collection}
	}
	return hits
}

// dedupByID merges pull results in order, keeping the first occurrence of
// each id.
func dedupByID(groups ...[]hit) []hit {
	var merged []hit
	seen := map[string]bool{}
	for _, group := range groups {
		for _, h := range group {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			merged = append(merged, h)
		}
	}
	return merged
}
