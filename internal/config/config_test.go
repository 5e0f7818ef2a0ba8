package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "~/.claude-memory", cfg.InstallDir)
	assert.Equal(t, 768, cfg.Store.VectorSize)
	assert.Equal(t, 0.6, cfg.Injection.ConfidenceThreshold)
	assert.Equal(t, 500, cfg.Injection.BudgetFloor)
	assert.Equal(t, 1500, cfg.Injection.BudgetCeiling)
	assert.Equal(t, 10, cfg.Classifier.BatchSize)
	assert.Equal(t, 4, cfg.Classifier.Concurrency)
	assert.Equal(t, 0.7, cfg.Classifier.ConfidenceThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store.URL, cfg.Store.URL)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
store:
  url: http://qdrant.internal:6333
injection:
  confidence_threshold: 0.75
  budget_floor: 400
  budget_ceiling: 1200
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://qdrant.internal:6333", cfg.Store.URL)
	assert.Equal(t, 0.75, cfg.Injection.ConfidenceThreshold)
	assert.Equal(t, 400, cfg.Injection.BudgetFloor)
	// Untouched fields keep their defaults.
	assert.Equal(t, 768, cfg.Store.VectorSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_QDRANT_URL", "http://10.0.0.5:6333")
	t.Setenv("MEMORY_INJECTION_CONFIDENCE", "0.8")
	t.Setenv("MEMORY_INJECTION_ENABLED", "false")
	t.Setenv("MEMORY_CLASSIFIER_PROVIDER", "openai")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("HOOK_TIMEOUT", "90s")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:6333", cfg.Store.URL)
	assert.Equal(t, 0.8, cfg.Injection.ConfidenceThreshold)
	assert.False(t, cfg.Injection.Enabled)
	assert.Equal(t, "openai", cfg.Classifier.Provider)
	assert.Equal(t, "test-key", cfg.Classifier.AnthropicAPIKey)
	assert.Equal(t, 90*time.Second, cfg.GetHookTimeout())
}

func TestDurationGettersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Timeout = "not-a-duration"
	cfg.HookTimeout = ""

	assert.Equal(t, 10*time.Second, cfg.GetStoreTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetHookTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetClassifierPollInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"bad embedding provider", func(c *Config) { c.Embedding.Provider = "sbert" }, true},
		{"bad classifier provider", func(c *Config) { c.Classifier.Provider = "llama" }, true},
		{"classifier disabled ignores provider", func(c *Config) {
			c.Classifier.Enabled = false
			c.Classifier.Provider = "llama"
		}, false},
		{"weights must sum to one", func(c *Config) { c.Injection.WeightQuality = 0.9 }, true},
		{"floor above ceiling", func(c *Config) { c.Injection.BudgetFloor = 2000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetMemoizesAndResetClears(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("MEMORY_INSTALL_DIR", t.TempDir())

	first := Get()
	second := Get()
	assert.Same(t, first, second)

	Reset()
	third := Get()
	assert.NotSame(t, first, third)
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstallDir = "/opt/memory"

	assert.Equal(t, "/opt/memory/queue/pending_queue.jsonl", cfg.PendingQueueFile())
	assert.Equal(t, "/opt/memory/queue/retry_queue_dlq.jsonl", cfg.DeadLetterFile())
	assert.Equal(t, "/opt/memory/backfill.lock", cfg.LockFile())
	assert.Equal(t, "/opt/memory/logs/activity.log", cfg.ActivityLogFile())
	assert.Equal(t, "/opt/memory/logs/injection-log.jsonl", cfg.AuditLogFile())
	assert.Equal(t, "/opt/memory/classifier.heartbeat", cfg.HeartbeatFile("classifier"))
}

func TestSessionStatePath(t *testing.T) {
	p := SessionStatePath("abc-123")
	assert.Contains(t, p, "ai-memory-abc-123-injection-state.json")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
