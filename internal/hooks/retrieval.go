package hooks

// Read-side handlers. Retrieval is bounded by searchBudget and any failure
// degrades to empty output.

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/retrieve"
	"engram/internal/session"
	"engram/internal/trigger"

	"go.uber.org/zap"
)

// triggerResultLimit caps tool-hook retrievals. Tool hooks interject into a
// running turn, so they stay small.
const triggerResultLimit = 3

func (r *Runner) sessionStart(ctx context.Context, env *Envelope) {
	eng, err := r.engine()
	if err != nil {
		r.log.Warn("bootstrap unavailable", zap.Error(err))
		r.writeEnvelope("SessionStart", "")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, searchBudget)
	defer cancel()
	st := session.Load(env.SessionID)
	res := eng.Bootstrap(ctx, st, r.groupID(env))
	if env.SessionID != "" {
		if err := st.Save(); err != nil {
			r.log.Warn("session state save failed", zap.Error(err))
		}
	}
	r.writeEnvelope("SessionStart", res.Block)
}

// contextInjection always answers with the UserPromptSubmit envelope, empty
// when gated or failed, so the host never sees a half-written response.
func (r *Runner) contextInjection(ctx context.Context, env *Envelope) {
	if env.Prompt == "" || env.SessionID == "" || !r.cfg.Injection.Enabled {
		r.writeEnvelope("UserPromptSubmit", "")
		return
	}
	eng, err := r.engine()
	if err != nil {
		r.log.Warn("injection unavailable", zap.Error(err))
		r.writeEnvelope("UserPromptSubmit", "")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, searchBudget)
	defer cancel()
	st := session.Load(env.SessionID)
	res, err := eng.InjectForPrompt(ctx, st, r.groupID(env), env.Prompt)
	if err != nil {
		r.log.Warn("injection failed", zap.Error(err))
		r.writeEnvelope("UserPromptSubmit", "")
		return
	}
	if err := st.Save(); err != nil {
		r.log.Warn("session state save failed", zap.Error(err))
	}
	r.writeEnvelope("UserPromptSubmit", res.Block)
}

func (r *Runner) errorDetection(ctx context.Context, env *Envelope) {
	if env.ToolName != "Bash" || env.ToolResponse == nil {
		return
	}
	signal := trigger.DetectErrorSignal(env.Output())
	if signal == "" {
		return
	}
	observe.Emit(observe.TriggerFire("error_detection"))
	records := r.boundedSearch(ctx, retrieve.Query{
		Text:       signal,
		Collection: memory.CollectionCodePatterns,
		GroupID:    r.groupID(env),
		Limit:      triggerResultLimit,
		Types:      []string{string(memory.TypeErrorFix), string(memory.TypeErrorPattern)},
	})
	r.writeBlock(formatRecords("SIMILAR ERROR FIXES FOUND:", records))
}

func (r *Runner) firstEditTrigger(ctx context.Context, env *Envelope) {
	if env.ToolName != "Edit" || env.SessionID == "" {
		return
	}
	path := env.InputString("file_path")
	if path == "" || !r.edits.FirstEdit(env.SessionID, path) {
		return
	}
	observe.Emit(observe.TriggerFire("first_edit"))
	records := r.boundedSearch(ctx, retrieve.Query{
		Text:       pathQuery(path),
		Collection: memory.CollectionCodePatterns,
		GroupID:    r.groupID(env),
		Limit:      triggerResultLimit,
		Types:      []string{string(memory.TypeFilePattern)},
	})
	r.writeBlock(formatRecords("KNOWN PATTERNS FOR THIS FILE:", records))
}

func (r *Runner) newFileTrigger(ctx context.Context, env *Envelope) {
	if env.ToolName != "Write" {
		return
	}
	path := env.InputString("file_path")
	if path == "" || !trigger.IsNewFile(path) {
		return
	}
	observe.Emit(observe.TriggerFire("new_file"))
	records := r.boundedSearch(ctx, retrieve.Query{
		Text:       pathQuery(path),
		Collection: memory.CollectionConventions,
		Limit:      triggerResultLimit,
		Types: []string{
			string(memory.TypeNamingConvention),
			string(memory.TypeStructureConvention),
		},
	})
	r.writeBlock(formatRecords("PROJECT CONVENTIONS:", records))
}

func (r *Runner) readContextTrigger(ctx context.Context, env *Envelope) {
	if env.ToolName != "Read" {
		return
	}
	path := env.InputString("file_path")
	if path == "" {
		return
	}
	observe.Emit(observe.TriggerFire("read_context"))
	records := r.boundedSearch(ctx, retrieve.Query{
		Text:       pathQuery(path),
		Collection: memory.CollectionConventions,
		Limit:      triggerResultLimit,
	})
	r.writeBlock(formatRecords("RELEVANT CONVENTIONS:", records))
}

func (r *Runner) boundedSearch(ctx context.Context, q retrieve.Query) []retrieve.Record {
	searcher, _, err := r.retrieval()
	if err != nil {
		r.log.Warn("retrieval unavailable", zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, searchBudget)
	defer cancel()
	records, err := searcher.Search(ctx, q)
	if err != nil {
		r.log.Warn("trigger search failed", zap.String("collection", q.Collection), zap.Error(err))
		return nil
	}
	return records
}

// pathQuery turns a file path into embeddable query text.
func pathQuery(path string) string {
	base := filepath.Base(path)
	if lang := trigger.LanguageForPath(path); lang != "" {
		return base + " " + lang
	}
	return base
}

func formatRecords(header string, records []retrieve.Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(header)
	for i, rec := range records {
		fmt.Fprintf(&b, "\n%d. %s", i+1, strings.TrimSpace(rec.Content))
	}
	return b.String()
}
