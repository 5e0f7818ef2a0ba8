package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"engram/internal/config"
	"engram/internal/hooks"
	"engram/internal/queue"
	"engram/internal/retrieve"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cliEnv(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())
	t.Setenv("MEMORY_METRICS_ENABLED", "false")
	config.Reset()
	t.Cleanup(config.Reset)
	return config.Get()
}

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	ferr := fn()
	w.Close()
	os.Stdout = orig
	require.NoError(t, ferr)
	return <-done
}

func TestHookSubcommandsCoverRunner(t *testing.T) {
	cliEnv(t)
	want := hooks.Names()

	var got []string
	for _, c := range hookCmd.Commands() {
		got = append(got, c.Name())
	}
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestUnknownHookIsUsageError(t *testing.T) {
	cliEnv(t)
	err := hookCmd.RunE(hookCmd, []string{"bogus"})
	require.Error(t, err)
	var ue *usageError
	assert.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "bogus")
}

func TestHookWithoutNameIsUsageError(t *testing.T) {
	cliEnv(t)
	err := hookCmd.RunE(hookCmd, nil)
	var ue *usageError
	assert.ErrorAs(t, err, &ue)
}

func TestExactArgsReturnsUsageError(t *testing.T) {
	err := exactArgs(1)(restoreCmd, nil)
	require.Error(t, err)
	var ue *usageError
	assert.ErrorAs(t, err, &ue)
}

func TestSaveMemoryRejectsUnknownType(t *testing.T) {
	cliEnv(t)
	orig := saveMemoryType
	saveMemoryType = "rule"
	defer func() { saveMemoryType = orig }()

	err := runSaveMemory(saveMemoryCmd, []string{"remember this"})
	require.Error(t, err)
	var ue *usageError
	assert.ErrorAs(t, err, &ue)
}

func TestSearchRejectsUnknownCollection(t *testing.T) {
	cliEnv(t)
	orig := searchCollection
	searchCollection = "scratch"
	defer func() { searchCollection = orig }()

	err := runSearch(searchCmd, []string{"anything"})
	require.Error(t, err)
	var ue *usageError
	assert.ErrorAs(t, err, &ue)
}

func TestRetryStatsOnEmptyQueue(t *testing.T) {
	cliEnv(t)
	orig := retryStats
	retryStats = true
	defer func() { retryStats = orig }()

	out := captureStdout(t, func() error {
		return runRetry(workerRetryCmd, nil)
	})

	var stats queue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.DeadLettered)
}

func TestHeartbeatStatus(t *testing.T) {
	cfg := cliEnv(t)
	require.NoError(t, os.MkdirAll(cfg.ResolvedInstallDir(), 0o755))
	path := cfg.HeartbeatFile("classifier")
	require.NoError(t, os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644))

	live := heartbeatStatus(cfg, "classifier")
	assert.True(t, live.Running)
	assert.NotEmpty(t, live.Age)

	gone := heartbeatStatus(cfg, "trace-flush")
	assert.False(t, gone.Running)
	assert.Empty(t, gone.LastHeartbeat)

	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(path, stale, stale))
	old := heartbeatStatus(cfg, "classifier")
	assert.False(t, old.Running)
	assert.NotEmpty(t, old.LastHeartbeat)
}

func TestClassifierCheck(t *testing.T) {
	cfg := *cliEnv(t)

	cfg.Classifier.Enabled = false
	disabled := classifierCheck(&cfg)
	assert.True(t, disabled.OK)
	assert.Equal(t, "disabled", disabled.Detail)

	cfg.Classifier.Enabled = true
	cfg.Classifier.Provider = "smoke-signals"
	unknown := classifierCheck(&cfg)
	assert.False(t, unknown.OK)
	assert.Contains(t, unknown.Detail, "smoke-signals")
}

func TestRenderSearchPlain(t *testing.T) {
	var buf bytes.Buffer
	sections := []searchSection{
		{Collection: "code-patterns", Records: []retrieve.Record{
			{Score: 0.91, Type: "error_fix", Timestamp: "2026-08-25T10:00:00Z", Content: "Pin the module version."},
		}},
		{Collection: "conventions"},
	}
	require.NoError(t, renderSearch(&buf, sections, true))

	out := buf.String()
	assert.Contains(t, out, "== code-patterns (1) ==")
	assert.Contains(t, out, "[0.91] error_fix")
	assert.Contains(t, out, "Pin the module version.")
	assert.NotContains(t, out, "conventions")
}

func TestRenderSearchEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderSearch(&buf, []searchSection{{Collection: "discussions"}}, true))
	assert.Equal(t, "no memories found\n", buf.String())
}
