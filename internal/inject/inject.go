// Package inject assembles retrieved memory into context blocks: a one-shot
// session bootstrap at session start and a budgeted per-turn injection on
// every user prompt. The engine owns the confidence gate, topic-drift
// tracking, the adaptive token budget, and the audit trail; it mutates the
// session state it is handed but never saves it, that stays with the hook.
package inject

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/retrieve"
	"engram/internal/session"
	"engram/internal/tokens"

	"go.uber.org/zap"
)

// perCollectionLimit bounds each routed search. The merge sees at most
// len(routes) * perCollectionLimit candidates.
const perCollectionLimit = 5

// firstTurnDrift is the neutral drift assumed when no previous embedding
// exists.
const firstTurnDrift = 0.5

// Searcher is the slice of the retrieval layer the engine uses.
type Searcher interface {
	Search(ctx context.Context, q retrieve.Query) ([]retrieve.Record, error)
	GetRecent(ctx context.Context, q retrieve.Query) ([]retrieve.Record, error)
}

// Engine runs both injection tiers.
type Engine struct {
	cfg      *config.Config
	searcher Searcher
	embedder retrieve.Embedder
	log      *zap.Logger
}

// NewEngine wires an engine.
func NewEngine(cfg *config.Config, searcher Searcher, embedder retrieve.Embedder) *Engine {
	return &Engine{
		cfg:      cfg,
		searcher: searcher,
		embedder: embedder,
		log:      logging.L("inject"),
	}
}

// Result summarizes one Tier-2 turn. Block is empty when the confidence
// gate skipped injection.
type Result struct {
	Block             string
	Considered        int
	Selected          int
	TokensUsed        int
	Budget            int
	BestScore         float64
	SkippedConfidence bool
	TopicDrift        float64
	Collections       []string
}

// hit is a search result tagged with the collection it came from.
type hit struct {
	retrieve.Record
	collection string
}

// InjectForPrompt runs the per-turn tier: route, search, gate, budget, fill.
// The state passed in is advanced whether or not anything is injected, so
// drift accounting continues across skipped turns.
func (e *Engine) InjectForPrompt(ctx context.Context, st *session.State, groupID, prompt string) (*Result, error) {
	routes := retrieve.RouteCollections(prompt)

	vector, err := e.embedder.Embed(ctx, memory.EmbedProse, prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt embedding failed: %w", err)
	}

	var merged []hit
	collections := make([]string, 0, len(routes))
	for _, rt := range routes {
		collections = append(collections, rt.Collection)
		gid := groupID
		if rt.Shared {
			gid = ""
		}
		records, err := e.searcher.Search(ctx, retrieve.Query{
			Collection: rt.Collection,
			GroupID:    gid,
			Limit:      perCollectionLimit,
			FastMode:   true,
			Vector:     vector,
		})
		if err != nil {
			// One collection down must not silence the others.
			e.log.Warn("routed search failed",
				zap.String("collection", rt.Collection), zap.Error(err))
			continue
		}
		for _, r := range records {
			merged = append(merged, hit{Record: r, collection: rt.Collection})
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	drift := driftFrom(st.LastQueryEmbedding, vector)
	res := &Result{
		Considered:  len(merged),
		TopicDrift:  drift,
		Collections: collections,
	}
	if len(merged) > 0 {
		res.BestScore = float64(merged[0].Score)
	}

	threshold := e.cfg.Injection.ConfidenceThreshold
	if res.BestScore < threshold {
		res.SkippedConfidence = true
		e.advance(st, vector, drift, nil, 0)
		e.audit(2, "user_prompt", groupID, st.SessionID, res)
		e.log.Debug("injection skipped below confidence",
			zap.Float64("best_score", res.BestScore),
			zap.Float64("threshold", threshold))
		return res, nil
	}

	above := 0
	for _, h := range merged {
		if float64(h.Score) >= threshold {
			above++
		}
	}
	density := float64(above) / float64(len(merged))

	res.Budget = e.budget(res.BestScore, density, drift)
	picked, used := e.fill(merged, st, res.Budget)
	res.Selected = len(picked)
	res.TokensUsed = used
	res.Block = formatBlock(picked)

	ids := make([]string, len(picked))
	for i, h := range picked {
		ids[i] = h.ID
	}
	e.advance(st, vector, drift, ids, used)
	e.audit(2, "user_prompt", groupID, st.SessionID, res)
	if used > 0 {
		observe.Emit(observe.Tokens("injection", "output", used))
	}
	e.log.Info("context injected",
		zap.Int("selected", res.Selected),
		zap.Int("considered", res.Considered),
		zap.Int("tokens", used),
		zap.Int("budget", res.Budget),
		zap.Float64("drift", drift))
	return res, nil
}

// budget maps blended signal strength onto the configured token range.
func (e *Engine) budget(quality, density, drift float64) int {
	in := e.cfg.Injection
	blend := quality*in.WeightQuality + density*in.WeightDensity + drift*in.WeightDrift
	b := int(math.Round(float64(in.BudgetFloor) + blend*float64(in.BudgetCeiling-in.BudgetFloor)))
	switch {
	case b < in.BudgetFloor:
		return in.BudgetFloor
	case b > in.BudgetCeiling:
		return in.BudgetCeiling
	}
	return b
}

// fill greedily selects results by descending score. Already-injected ids
// are skipped, and an over-budget candidate is skipped rather than ending
// the pass, since a smaller later result may still fit.
func (e *Engine) fill(candidates []hit, st *session.State, budget int) ([]hit, int) {
	var picked []hit
	used := 0
	for _, h := range candidates {
		if st.Injected(h.ID) || h.Content == "" {
			continue
		}
		cost := tokens.Count(h.Content)
		if used+cost > budget {
			continue
		}
		picked = append(picked, h)
		used += cost
	}
	return picked, used
}

// advance applies the per-turn state update.
func (e *Engine) advance(st *session.State, vector []float32, drift float64, ids []string, tokensUsed int) {
	st.MarkInjected(ids...)
	st.LastQueryEmbedding = vector
	st.TopicDrift = drift
	st.TurnCount++
	st.TotalTokensInjected += tokensUsed
}

// auditRow is one JSONL line in the injection audit log.
type auditRow struct {
	Tier                int      `json:"tier"`
	Trigger             string   `json:"trigger"`
	Project             string   `json:"project"`
	SessionID           string   `json:"session_id"`
	ResultsConsidered   int      `json:"results_considered"`
	ResultsSelected     int      `json:"results_selected"`
	TokensUsed          int      `json:"tokens_used"`
	Budget              int      `json:"budget"`
	BestScore           float64  `json:"best_score"`
	SkippedConfidence   bool     `json:"skipped_confidence"`
	TopicDrift          float64  `json:"topic_drift"`
	CollectionsSearched []string `json:"collections_searched"`
	Timestamp           string   `json:"ts"`
}

func (e *Engine) audit(tier int, trigger, project, sessionID string, res *Result) {
	row := auditRow{
		Tier:                tier,
		Trigger:             trigger,
		Project:             project,
		SessionID:           sessionID,
		ResultsConsidered:   res.Considered,
		ResultsSelected:     res.Selected,
		TokensUsed:          res.TokensUsed,
		Budget:              res.Budget,
		BestScore:           res.BestScore,
		SkippedConfidence:   res.SkippedConfidence,
		TopicDrift:          res.TopicDrift,
		CollectionsSearched: res.Collections,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
	}
	if err := logging.AppendJSONL(e.cfg.AuditLogFile(), row); err != nil {
		e.log.Warn("audit append failed", zap.Error(err))
	}
}

// driftFrom is the cosine distance between consecutive query embeddings,
// clamped to [0, 1]. No previous embedding means a neutral first-turn value.
func driftFrom(prev, cur []float32) float64 {
	if len(prev) == 0 || len(prev) != len(cur) {
		return firstTurnDrift
	}
	var dot, np, nc float64
	for i := range prev {
		dot += float64(prev[i]) * float64(cur[i])
		np += float64(prev[i]) * float64(prev[i])
		nc += float64(cur[i]) * float64(cur[i])
	}
	if np == 0 || nc == 0 {
		return firstTurnDrift
	}
	d := 1 - dot/(math.Sqrt(np)*math.Sqrt(nc))
	switch {
	case d < 0:
		return 0
	case d > 1:
		return 1
	}
	return d
}

// formatBlock renders selected hits as the single delimited block injected
// into the conversation. Scoreless entries (recency pulls) omit the score.
func formatBlock(hits []hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<retrieved_context>\n")
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		if h.Score > 0 {
			fmt.Fprintf(&b, "[%s | %s | %.2f]\n", h.Type, h.collection, h.Score)
		} else {
			fmt.Fprintf(&b, "[%s | %s]\n", h.Type, h.collection)
		}
		b.WriteString(strings.TrimSpace(h.Content))
		b.WriteString("\n")
	}
	b.WriteString("</retrieved_context>")
	return b.String()
}
