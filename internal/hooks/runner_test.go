package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"engram/internal/config"
	"engram/internal/inject"
	"engram/internal/memory"
	"engram/internal/retrieve"
	"engram/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spawnCall struct {
	args  []string
	stdin []byte
	env   []string
}

type spawnRecorder struct {
	calls []spawnCall
	err   error
}

func (s *spawnRecorder) spawn(args []string, stdin []byte, extraEnv ...string) error {
	s.calls = append(s.calls, spawnCall{args: args, stdin: stdin, env: extraEnv})
	return s.err
}

func (s *spawnRecorder) order(t *testing.T, i int) WorkOrder {
	t.Helper()
	require.Greater(t, len(s.calls), i)
	var order WorkOrder
	require.NoError(t, json.Unmarshal(s.calls[i].stdin, &order))
	return order
}

type stubSearcher struct {
	mu      sync.Mutex
	queries []retrieve.Query
	records []retrieve.Record
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, q retrieve.Query) ([]retrieve.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.records, s.err
}

func (s *stubSearcher) GetRecent(ctx context.Context, q retrieve.Query) ([]retrieve.Record, error) {
	return nil, nil
}

type stubInjector struct {
	bootBlock  string
	injBlock   string
	injErr     error
	bootCalls  int
	injCalls   int
	lastPrompt string
	mutate     func(st *session.State)
}

func (s *stubInjector) Bootstrap(ctx context.Context, st *session.State, groupID string) *inject.BootstrapResult {
	s.bootCalls++
	if s.mutate != nil {
		s.mutate(st)
	}
	return &inject.BootstrapResult{Block: s.bootBlock}
}

func (s *stubInjector) InjectForPrompt(ctx context.Context, st *session.State, groupID, prompt string) (*inject.Result, error) {
	s.injCalls++
	s.lastPrompt = prompt
	if s.injErr != nil {
		return nil, s.injErr
	}
	if s.mutate != nil {
		s.mutate(st)
	}
	return &inject.Result{Block: s.injBlock}, nil
}

func newTestRunner(t *testing.T) (*Runner, *spawnRecorder, *stubSearcher, *stubInjector, *bytes.Buffer) {
	t.Helper()
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	t.Setenv("MEMORY_METRICS_ENABLED", "false")
	config.Reset()
	t.Cleanup(config.Reset)

	out := &bytes.Buffer{}
	rec := &spawnRecorder{}
	searcher := &stubSearcher{}
	inj := &stubInjector{}

	r := NewRunner(config.Get(), out)
	r.spawn = rec.spawn
	r.searcher = searcher
	r.injector = inj
	return r, rec, searcher, inj, out
}

func run(t *testing.T, r *Runner, hook, payload string) {
	t.Helper()
	require.NoError(t, r.Run(context.Background(), hook, strings.NewReader(payload)))
}

func hookOutput(t *testing.T, out *bytes.Buffer) (string, string) {
	t.Helper()
	var resp map[string]map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	inner := resp["hookSpecificOutput"]
	return inner["hookEventName"], inner["additionalContext"]
}

func TestRunUnknownHook(t *testing.T) {
	r, _, _, _, _ := newTestRunner(t)
	err := r.Run(context.Background(), "made-up", strings.NewReader("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "made-up")
}

func TestRunMalformedEnvelopeIsQuiet(t *testing.T) {
	r, rec, _, _, out := newTestRunner(t)
	require.NoError(t, r.Run(context.Background(), NameUserPromptCapture, strings.NewReader("{broken")))
	assert.Empty(t, rec.calls)
	assert.Empty(t, out.String())
}

func TestNamesListsEveryHook(t *testing.T) {
	names := Names()
	assert.Len(t, names, 11)
	assert.Contains(t, names, NameSessionStart)
	assert.Contains(t, names, NamePreCompactSave)
	assert.True(t, sort.StringsAreSorted(names))
}

func TestUserPromptCaptureSpawnsStoreWorker(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NameUserPromptCapture,
		`{"session_id": "s1", "cwd": "/work/engram", "prompt": "why did we pick this port"}`)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []string{"worker", "store"}, rec.calls[0].args)

	order := rec.order(t, 0)
	assert.Equal(t, "why did we pick this port", order.Request.Content)
	assert.Equal(t, memory.TypeUserMessage, order.Request.Type)
	assert.Equal(t, memory.HookUserPromptCapture, order.Request.SourceHook)
	assert.Equal(t, "s1", order.Request.SessionID)
	assert.Equal(t, "/work/engram", order.Request.CWD)
	assert.Equal(t, 1, order.Request.TurnNumber)

	env := strings.Join(rec.calls[0].env, " ")
	assert.Contains(t, env, "MEMORY_TRACE_ID=")
	assert.Contains(t, env, "MEMORY_PARENT_SPAN_ID=")
}

func TestUserPromptCaptureNeedsPrompt(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NameUserPromptCapture, `{"session_id": "s1"}`)
	assert.Empty(t, rec.calls)
}

func TestPostToolCaptureOrdersPatternExtraction(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NamePostToolCapture,
		`{"session_id": "s1", "cwd": "/p", "tool_name": "Edit",
		  "tool_input": {"file_path": "/p/server.go", "new_string": "func Serve() {}"}}`)

	order := rec.order(t, 0)
	assert.True(t, order.ExtractPatterns)
	assert.Equal(t, memory.TypeFilePattern, order.Request.Type)
	assert.Equal(t, "/p/server.go", order.Request.FilePath)
	assert.Equal(t, "go", order.Request.Language)
	assert.Equal(t, "func Serve() {}", order.Request.Content)
	assert.Equal(t, memory.HookPostToolCapture, order.Request.SourceHook)
}

func TestPostToolCaptureGates(t *testing.T) {
	for name, payload := range map[string]string{
		"wrong tool":           `{"tool_name": "Bash", "tool_input": {"command": "ls"}}`,
		"unsupported language": `{"tool_name": "Write", "tool_input": {"file_path": "/p/notes.txt", "content": "x"}}`,
		"no content":           `{"tool_name": "Edit", "tool_input": {"file_path": "/p/a.go"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			r, rec, _, _, _ := newTestRunner(t)
			run(t, r, NamePostToolCapture, payload)
			assert.Empty(t, rec.calls)
		})
	}
}

func TestAgentResponseCaptureDefersTranscript(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NameAgentResponseCapture,
		`{"session_id": "s1", "cwd": "/p", "transcript_path": "/tmp/x/s1.jsonl"}`)

	order := rec.order(t, 0)
	assert.Equal(t, "/tmp/x/s1.jsonl", order.TranscriptPath)
	assert.Empty(t, order.Request.Content)
	assert.Equal(t, memory.TypeAgentResponse, order.Request.Type)

	r2, rec2, _, _, _ := newTestRunner(t)
	run(t, r2, NameAgentResponseCapture, `{"session_id": "s1"}`)
	assert.Empty(t, rec2.calls)
}

func TestErrorPatternCaptureOnFailedBash(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NameErrorPatternCapture,
		`{"session_id": "s1", "cwd": "/p", "tool_name": "Bash",
		  "tool_input": {"command": "pytest tests/test_auth.py"},
		  "tool_response": {"stdout": "", "stderr": "ImportError: No module named requests", "exitCode": 1}}`)

	order := rec.order(t, 0)
	assert.Equal(t, memory.TypeErrorPattern, order.Request.Type)
	assert.Contains(t, order.Request.Content, "Command: pytest tests/test_auth.py")
	assert.Contains(t, order.Request.Content, "ImportError")
	assert.Contains(t, order.Request.FileReferences, "tests/test_auth.py")
}

func TestErrorPatternCaptureSkipsCleanRuns(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)
	run(t, r, NameErrorPatternCapture,
		`{"tool_name": "Bash", "tool_input": {"command": "go test ./..."},
		  "tool_response": {"stdout": "ok", "stderr": "", "exitCode": 0}}`)
	assert.Empty(t, rec.calls)
}

func TestPreCompactSaveSummarizesAndResets(t *testing.T) {
	r, rec, _, _, _ := newTestRunner(t)

	st := session.NewState("s9")
	st.MarkInjected("a", "b", "c")
	st.TurnCount = 7
	st.TotalTokensInjected = 900
	st.LastQueryEmbedding = []float32{0.5, 0.5}
	st.TopicDrift = 0.25
	require.NoError(t, st.Save())

	run(t, r, NamePreCompactSave, `{"session_id": "s9", "cwd": "/p"}`)

	order := rec.order(t, 0)
	assert.Equal(t, memory.TypeSession, order.Request.Type)
	assert.Equal(t, memory.HookPreCompactSave, order.Request.SourceHook)
	assert.Contains(t, order.Request.Content, "7 turns")
	assert.Contains(t, order.Request.Content, "3 memories injected")

	after := session.Load("s9")
	assert.Empty(t, after.InjectedPointIDs)
	assert.Equal(t, []float32{0.5, 0.5}, after.LastQueryEmbedding)
	assert.Equal(t, 0.25, after.TopicDrift)
	assert.Equal(t, 7, after.TurnCount)
}

func TestSessionStartWritesEnvelope(t *testing.T) {
	r, _, _, inj, out := newTestRunner(t)
	inj.bootBlock = "## Project Context\nrecent decision"
	inj.mutate = func(st *session.State) { st.MarkInjected("boot-1") }

	run(t, r, NameSessionStart, `{"session_id": "s1", "cwd": "/p"}`)

	event, body := hookOutput(t, out)
	assert.Equal(t, "SessionStart", event)
	assert.Equal(t, inj.bootBlock, body)
	assert.Equal(t, 1, inj.bootCalls)
	assert.True(t, session.Load("s1").Injected("boot-1"))
}

func TestContextInjectionWritesEnvelope(t *testing.T) {
	r, _, _, inj, out := newTestRunner(t)
	inj.injBlock = "<retrieved_context>\nstuff\n</retrieved_context>"

	run(t, r, NameContextInjection, `{"session_id": "s1", "cwd": "/p", "prompt": "how do we handle retries"}`)

	event, body := hookOutput(t, out)
	assert.Equal(t, "UserPromptSubmit", event)
	assert.Equal(t, inj.injBlock, body)
	assert.Equal(t, "how do we handle retries", inj.lastPrompt)
}

func TestContextInjectionEmptyPromptStillAnswers(t *testing.T) {
	r, _, _, inj, out := newTestRunner(t)
	run(t, r, NameContextInjection, `{"session_id": "s1"}`)

	event, body := hookOutput(t, out)
	assert.Equal(t, "UserPromptSubmit", event)
	assert.Empty(t, body)
	assert.Zero(t, inj.injCalls)
}

func TestContextInjectionErrorDegradesToEmpty(t *testing.T) {
	r, _, _, inj, out := newTestRunner(t)
	inj.injErr = errors.New("store down")

	run(t, r, NameContextInjection, `{"session_id": "s1", "prompt": "anything"}`)

	_, body := hookOutput(t, out)
	assert.Empty(t, body)
}

func TestErrorDetectionPrintsFixes(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	searcher.records = []retrieve.Record{{ID: "m1", Content: "Fix: pip install requests", Type: "error_fix"}}

	run(t, r, NameErrorDetection,
		`{"session_id": "s1", "cwd": "/p", "tool_name": "Bash",
		  "tool_input": {"command": "python app.py"},
		  "tool_response": {"stderr": "ModuleNotFoundError: No module named 'requests'", "stdout": ""}}`)

	assert.Contains(t, out.String(), "SIMILAR ERROR FIXES FOUND:")
	assert.Contains(t, out.String(), "Fix: pip install requests")

	require.Len(t, searcher.queries, 1)
	q := searcher.queries[0]
	assert.Equal(t, memory.CollectionCodePatterns, q.Collection)
	assert.Equal(t, []string{"error_fix", "error_pattern"}, q.Types)
	assert.Equal(t, 3, q.Limit)
	assert.Contains(t, q.Text, "ModuleNotFoundError")
}

func TestErrorDetectionQuietWithoutSignal(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	run(t, r, NameErrorDetection,
		`{"tool_name": "Bash", "tool_response": {"stdout": "all 42 tests passed", "stderr": ""}}`)
	assert.Empty(t, out.String())
	assert.Empty(t, searcher.queries)
}

func TestFirstEditTriggerFiresOncePerSession(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	searcher.records = []retrieve.Record{{Content: "handlers return explicit errors"}}
	payload := `{"session_id": "s1", "cwd": "/p", "tool_name": "Edit", "tool_input": {"file_path": "/p/handler.go"}}`

	run(t, r, NameFirstEditTrigger, payload)
	assert.Contains(t, out.String(), "KNOWN PATTERNS FOR THIS FILE:")
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, memory.CollectionCodePatterns, searcher.queries[0].Collection)
	assert.Equal(t, []string{"file_pattern"}, searcher.queries[0].Types)

	out.Reset()
	run(t, r, NameFirstEditTrigger, payload)
	assert.Empty(t, out.String())
	assert.Len(t, searcher.queries, 1)
}

func TestNewFileTriggerOnlyForMissingPaths(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	searcher.records = []retrieve.Record{{Content: "services live under internal/"}}

	existing := filepath.Join(t.TempDir(), "present.go")
	require.NoError(t, os.WriteFile(existing, []byte("package p\n"), 0o644))
	run(t, r, NameNewFileTrigger,
		`{"tool_name": "Write", "tool_input": {"file_path": "`+existing+`"}}`)
	assert.Empty(t, searcher.queries)

	missing := filepath.Join(t.TempDir(), "absent.go")
	run(t, r, NameNewFileTrigger,
		`{"tool_name": "Write", "tool_input": {"file_path": "`+missing+`"}}`)
	require.Len(t, searcher.queries, 1)
	q := searcher.queries[0]
	assert.Equal(t, memory.CollectionConventions, q.Collection)
	assert.Empty(t, q.GroupID)
	assert.Equal(t, []string{"naming_convention", "structure_convention"}, q.Types)
	assert.Contains(t, out.String(), "PROJECT CONVENTIONS:")
}

func TestReadContextTrigger(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	searcher.records = []retrieve.Record{{Content: "storage goes through the store service"}}

	run(t, r, NameReadContextTrigger,
		`{"tool_name": "Read", "tool_input": {"file_path": "/p/internal/store/service.go"}}`)

	require.Len(t, searcher.queries, 1)
	assert.Equal(t, memory.CollectionConventions, searcher.queries[0].Collection)
	assert.Equal(t, 3, searcher.queries[0].Limit)
	assert.Contains(t, out.String(), "RELEVANT CONVENTIONS:")
}

func TestBoundedSearchFailurePrintsNothing(t *testing.T) {
	r, _, searcher, _, out := newTestRunner(t)
	searcher.err = errors.New("connection refused")

	run(t, r, NameErrorDetection,
		`{"tool_name": "Bash", "tool_response": {"stderr": "panic: boom", "stdout": ""}}`)
	assert.Empty(t, out.String())
}
