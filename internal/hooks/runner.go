package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/inject"
	"engram/internal/logging"
	"engram/internal/observe"
	"engram/internal/qdrant"
	"engram/internal/retrieve"
	"engram/internal/session"
	"engram/internal/store"
	"engram/internal/trigger"

	"go.uber.org/zap"
)

// searchBudget bounds read-side retrieval inside the hook's 500ms envelope,
// leaving the remainder for JSON I/O and formatting.
const searchBudget = 450 * time.Millisecond

// Hook CLI names. The cmd layer maps `engram hook <name>` onto these.
const (
	NameSessionStart         = "session-start"
	NameUserPromptCapture    = "user-prompt-capture"
	NameContextInjection     = "context-injection"
	NamePostToolCapture      = "post-tool-capture"
	NameAgentResponseCapture = "agent-response-capture"
	NameErrorPatternCapture  = "error-pattern-capture"
	NameErrorDetection       = "error-detection"
	NameFirstEditTrigger     = "first-edit-trigger"
	NameNewFileTrigger       = "new-file-trigger"
	NameReadContextTrigger   = "read-context-trigger"
	NamePreCompactSave       = "pre-compact-save"
)

// injector is the slice of the injection engine the read-side hooks use.
type injector interface {
	Bootstrap(ctx context.Context, st *session.State, groupID string) *inject.BootstrapResult
	InjectForPrompt(ctx context.Context, st *session.State, groupID, prompt string) (*inject.Result, error)
}

// Runner executes one hook per process. Retrieval dependencies are built
// lazily so write-side hooks pay nothing for them.
type Runner struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer

	spawn    func(args []string, stdin []byte, extraEnv ...string) error
	searcher inject.Searcher
	embedder retrieve.Embedder
	injector injector
	edits    *trigger.FirstEditTracker
}

// NewRunner builds a runner writing hook output to out.
func NewRunner(cfg *config.Config, out io.Writer) *Runner {
	return &Runner{
		cfg:   cfg,
		log:   logging.L("hooks"),
		out:   out,
		spawn: observe.StartDetached,
		edits: trigger.NewFirstEditTracker(),
	}
}

// handlers dispatches hook names. Every handler owns its own error handling;
// a handler never propagates failure.
var handlers = map[string]func(*Runner, context.Context, *Envelope){
	NameSessionStart:         (*Runner).sessionStart,
	NameUserPromptCapture:    (*Runner).userPromptCapture,
	NameContextInjection:     (*Runner).contextInjection,
	NamePostToolCapture:      (*Runner).postToolCapture,
	NameAgentResponseCapture: (*Runner).agentResponseCapture,
	NameErrorPatternCapture:  (*Runner).errorPatternCapture,
	NameErrorDetection:       (*Runner).errorDetection,
	NameFirstEditTrigger:     (*Runner).firstEditTrigger,
	NameNewFileTrigger:       (*Runner).newFileTrigger,
	NameReadContextTrigger:   (*Runner).readContextTrigger,
	NamePreCompactSave:       (*Runner).preCompactSave,
}

// Names lists every hook the runner knows, for CLI help.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for n := range handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run decodes the stdin envelope and executes the named hook. Malformed
// input is logged and swallowed; only an unknown hook name is an error, so
// the CLI can report misconfiguration distinctly.
func (r *Runner) Run(ctx context.Context, name string, stdin io.Reader) error {
	handler, ok := handlers[name]
	if !ok {
		return fmt.Errorf("unknown hook %q", name)
	}
	env, err := DecodeEnvelope(stdin)
	if err != nil {
		r.log.Warn("malformed hook envelope", zap.String("hook", name), zap.Error(err))
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("hook panicked", zap.String("hook", name), zap.Any("panic", rec))
		}
	}()
	handler(r, ctx, env)
	return nil
}

// retrieval lazily builds the search stack. Hooks that never read skip the
// cost entirely.
func (r *Runner) retrieval() (inject.Searcher, retrieve.Embedder, error) {
	if r.searcher != nil {
		return r.searcher, r.embedder, nil
	}
	emb, err := embedding.NewService(r.cfg)
	if err != nil {
		return nil, nil, err
	}
	client := qdrant.NewClient(r.cfg.Store.URL, r.cfg.Store.APIKey, r.cfg.GetStoreTimeout())
	r.searcher = retrieve.NewSearcher(r.cfg, client, emb)
	r.embedder = emb
	return r.searcher, emb, nil
}

// engine lazily builds the injection engine on top of the search stack.
func (r *Runner) engine() (injector, error) {
	if r.injector != nil {
		return r.injector, nil
	}
	searcher, emb, err := r.retrieval()
	if err != nil {
		return nil, err
	}
	r.injector = inject.NewEngine(r.cfg, searcher, emb)
	return r.injector, nil
}

// groupID resolves the tenant for this hook invocation.
func (r *Runner) groupID(env *Envelope) string {
	return store.ResolveGroupID(env.CWD)
}

// hookSpecificOutput is the JSON envelope SessionStart and UserPromptSubmit
// events expect on stdout.
type hookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

func (r *Runner) writeEnvelope(eventName, additionalContext string) {
	out := map[string]hookSpecificOutput{
		"hookSpecificOutput": {
			HookEventName:     eventName,
			AdditionalContext: additionalContext,
		},
	}
	if err := json.NewEncoder(r.out).Encode(out); err != nil {
		r.log.Warn("hook output write failed", zap.Error(err))
	}
}

// writeBlock prints a plain text block for tool hooks. Empty blocks print
// nothing at all.
func (r *Runner) writeBlock(block string) {
	if block == "" {
		return
	}
	if _, err := fmt.Fprintln(r.out, block); err != nil {
		r.log.Warn("hook output write failed", zap.Error(err))
	}
}
