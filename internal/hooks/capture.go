package hooks

// Write-side handlers. Each gates cheaply, builds a work order, and forks a
// detached store worker so the hook itself exits within its budget.

import (
	"context"
	"encoding/json"
	"fmt"

	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/session"
	"engram/internal/store"
	"engram/internal/trigger"

	"go.uber.org/zap"
)

// dispatch marshals the order and hands it to a detached `engram worker
// store` process. The trace context rides the child environment so the
// worker's span links back to this hook.
func (r *Runner) dispatch(hook string, order WorkOrder) {
	payload, err := json.Marshal(order)
	if err != nil {
		r.log.Error("work order marshal failed", zap.String("hook", hook), zap.Error(err))
		return
	}
	span := observe.StartSpan("hook." + hook)
	span.SetAttr("source_hook", order.Request.SourceHook)
	err = r.spawn([]string{"worker", "store"}, payload, span.ChildEnv()...)
	span.End(err)
	if r.cfg.Tracing.Enabled {
		if werr := span.Write(r.cfg.TraceDir()); werr != nil {
			r.log.Debug("span write failed", zap.Error(werr))
		}
	}
	if err != nil {
		r.log.Warn("store worker spawn failed", zap.String("hook", hook), zap.Error(err))
	}
}

func (r *Runner) userPromptCapture(ctx context.Context, env *Envelope) {
	if env.Prompt == "" {
		return
	}
	turn := 0
	if env.SessionID != "" {
		turn = session.Load(env.SessionID).TurnCount + 1
	}
	r.dispatch(memory.HookUserPromptCapture, WorkOrder{Request: store.Request{
		Content:    env.Prompt,
		CWD:        env.CWD,
		Type:       memory.TypeUserMessage,
		SourceHook: memory.HookUserPromptCapture,
		SessionID:  env.SessionID,
		TurnNumber: turn,
	}})
}

func (r *Runner) postToolCapture(ctx context.Context, env *Envelope) {
	switch env.ToolName {
	case "Edit", "Write", "NotebookEdit":
	default:
		return
	}
	content := env.InputString("new_string")
	if content == "" {
		content = env.InputString("content")
	}
	if content == "" {
		content = env.InputString("new_source")
	}
	path := env.InputString("file_path")
	if path == "" {
		path = env.InputString("notebook_path")
	}
	if content == "" || path == "" {
		return
	}
	language := trigger.LanguageForPath(path)
	if language == "" {
		return
	}
	r.dispatch(memory.HookPostToolCapture, WorkOrder{
		ExtractPatterns: true,
		Request: store.Request{
			Content:    content,
			CWD:        env.CWD,
			Type:       memory.TypeFilePattern,
			SourceHook: memory.HookPostToolCapture,
			SessionID:  env.SessionID,
			FilePath:   path,
			Language:   language,
		},
	})
}

// agentResponseCapture defers transcript reading to the worker. The
// transcript may not be flushed yet when the hook fires.
func (r *Runner) agentResponseCapture(ctx context.Context, env *Envelope) {
	if env.TranscriptPath == "" {
		return
	}
	r.dispatch(memory.HookAgentResponseCapture, WorkOrder{
		TranscriptPath: env.TranscriptPath,
		Request: store.Request{
			CWD:        env.CWD,
			Type:       memory.TypeAgentResponse,
			SourceHook: memory.HookAgentResponseCapture,
			SessionID:  env.SessionID,
		},
	})
}

func (r *Runner) errorPatternCapture(ctx context.Context, env *Envelope) {
	if env.ToolName != "Bash" || env.ToolResponse == nil {
		return
	}
	output := env.Output()
	if !env.Failed() && trigger.DetectErrorSignal(output) == "" {
		return
	}
	command := env.InputString("command")
	content := output
	if command != "" {
		content = fmt.Sprintf("Command: %s\n%s", command, output)
	}
	refs := dedupStrings(append(trigger.ExtractFilePaths(command), trigger.ExtractFilePaths(output)...))
	r.dispatch(memory.HookErrorPatternCapture, WorkOrder{Request: store.Request{
		Content:        content,
		CWD:            env.CWD,
		Type:           memory.TypeErrorPattern,
		SourceHook:     memory.HookErrorPatternCapture,
		SessionID:      env.SessionID,
		FileReferences: refs,
	}})
}

// preCompactSave persists a session summary, then clears the injected-id
// set so memories can resurface after the host compacts its context.
func (r *Runner) preCompactSave(ctx context.Context, env *Envelope) {
	if env.SessionID == "" {
		return
	}
	st := session.Load(env.SessionID)
	summary := fmt.Sprintf("Session %s summary: %d turns, %d memories injected (%d tokens) before compaction.",
		st.SessionID, st.TurnCount, len(st.InjectedPointIDs), st.TotalTokensInjected)
	r.dispatch(memory.HookPreCompactSave, WorkOrder{Request: store.Request{
		Content:    summary,
		CWD:        env.CWD,
		Type:       memory.TypeSession,
		SourceHook: memory.HookPreCompactSave,
		SessionID:  env.SessionID,
	}})
	st.ResetAfterCompact()
	if err := st.Save(); err != nil {
		r.log.Warn("session state save failed", zap.String("session", env.SessionID), zap.Error(err))
	}
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
