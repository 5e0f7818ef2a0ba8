// Package config holds the process-wide configuration for the memory layer.
//
// The configuration is loaded lazily and memoized: hooks are short-lived
// processes and must not pay for repeated file reads. Load order is
// defaults, then $MEMORY_INSTALL_DIR/config.yaml (missing file is fine),
// then environment overrides. Tests reset the singleton with Reset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all memory-layer configuration.
type Config struct {
	// InstallDir is the root for queues, logs, traces, and the lock file.
	InstallDir string `yaml:"install_dir"`

	Store      StoreConfig      `yaml:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Security   SecurityConfig   `yaml:"security"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Injection  InjectionConfig  `yaml:"injection"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Agent      AgentConfig      `yaml:"agent"`
	GitHub     ConnectorConfig  `yaml:"github"`
	Jira       ConnectorConfig  `yaml:"jira"`
	Retention  RetentionConfig  `yaml:"retention"`

	// HookTimeout bounds a detached worker's total run ("60s").
	HookTimeout string `yaml:"hook_timeout"`

	// AutoUpdateEnabled is the freshness-pipeline kill switch. The capture
	// and retrieval core reads it but never drives it.
	AutoUpdateEnabled bool `yaml:"auto_update_enabled"`
}

// StoreConfig configures the vector store.
type StoreConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	VectorSize int    `yaml:"vector_size"`
	Timeout    string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // ollama, genai
	URL         string `yaml:"url"`
	ProseModel  string `yaml:"prose_model"`
	CodeModel   string `yaml:"code_model"`
	GenAIAPIKey string `yaml:"genai_api_key"`
	Timeout     string `yaml:"timeout"`
	MaxRetries  int    `yaml:"max_retries"`
}

// SecurityConfig gates the scanner layers.
type SecurityConfig struct {
	Enabled    bool `yaml:"enabled"`
	NEREnabled bool `yaml:"ner_enabled"`
}

// ClassifierConfig configures the asynchronous type classifier.
type ClassifierConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Provider            string  `yaml:"provider"` // anthropic, openai, gemini
	Model               string  `yaml:"model"`
	AnthropicAPIKey     string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey        string  `yaml:"openai_api_key"`
	GeminiAPIKey        string  `yaml:"gemini_api_key"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	PollInterval        string  `yaml:"poll_interval"`
	BatchSize           int     `yaml:"batch_size"`
	Concurrency         int     `yaml:"concurrency"`
	Timeout             string  `yaml:"timeout"`
}

// InjectionConfig configures progressive context injection.
type InjectionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	BudgetFloor         int     `yaml:"budget_floor"`
	BudgetCeiling       int     `yaml:"budget_ceiling"`
	WeightQuality       float64 `yaml:"weight_quality"`
	WeightDensity       float64 `yaml:"weight_density"`
	WeightDrift         float64 `yaml:"weight_drift"`
	DecayEnabled        bool    `yaml:"decay_enabled"`
}

// MetricsConfig configures the push gateway.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PushGatewayURL string `yaml:"pushgateway_url"`
	JobName        string `yaml:"job_name"`
}

// TracingConfig configures the trace buffer and flush daemon.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	BufferMaxBytes int64  `yaml:"buffer_max_bytes"`
	FlushInterval  string `yaml:"flush_interval"`
}

// AgentConfig toggles agent mode and its profile fields.
type AgentConfig struct {
	ParzivalEnabled bool   `yaml:"parzival_enabled"`
	AgentID         string `yaml:"agent_id"`
	AgentName       string `yaml:"agent_name"`
}

// ConnectorConfig carries per-project connector settings. The connectors
// themselves are external; the core only reads these for Tier-1 enrichment.
type ConnectorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Repo     string `yaml:"repo"`
	Instance string `yaml:"instance"`
	Token    string `yaml:"token"`
}

// RetentionConfig caps Tier-1 pull sizes.
type RetentionConfig struct {
	RecentDecisions  int `yaml:"recent_decisions"`
	RecentSessions   int `yaml:"recent_sessions"`
	GuidelineCount   int `yaml:"guideline_count"`
	ConnectorNewest  int `yaml:"connector_newest"`
	ActivityLogLines int `yaml:"activity_log_lines"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		InstallDir: "~/.claude-memory",
		Store: StoreConfig{
			URL:        "http://localhost:6333",
			VectorSize: 768,
			Timeout:    "10s",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			URL:        "http://localhost:11434",
			ProseModel: "nomic-embed-text",
			CodeModel:  "nomic-embed-code",
			Timeout:    "30s",
			MaxRetries: 3,
		},
		Security: SecurityConfig{
			Enabled:    true,
			NEREnabled: false,
		},
		Classifier: ClassifierConfig{
			Enabled:             true,
			Provider:            "anthropic",
			Model:               "claude-3-5-haiku-20241022",
			ConfidenceThreshold: 0.7,
			PollInterval:        "5s",
			BatchSize:           10,
			Concurrency:         4,
			Timeout:             "30s",
		},
		Injection: InjectionConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.6,
			BudgetFloor:         500,
			BudgetCeiling:       1500,
			WeightQuality:       0.5,
			WeightDensity:       0.3,
			WeightDrift:         0.2,
			DecayEnabled:        false,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PushGatewayURL: "http://localhost:9091",
			JobName:        "memory_layer",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			BufferMaxBytes: 16 << 20,
			FlushInterval:  "10s",
		},
		Agent: AgentConfig{
			ParzivalEnabled: false,
			AgentID:         "parzival",
		},
		Retention: RetentionConfig{
			RecentDecisions:  3,
			RecentSessions:   2,
			GuidelineCount:   3,
			ConnectorNewest:  10,
			ActivityLogLines: 5000,
		},
		HookTimeout:       "60s",
		AutoUpdateEnabled: true,
	}
}

// Load loads configuration from a YAML file, applying env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMORY_INSTALL_DIR"); v != "" {
		c.InstallDir = v
	}
	if v := os.Getenv("MEMORY_QDRANT_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("MEMORY_QDRANT_API_KEY"); v != "" {
		c.Store.APIKey = v
	}
	if v := os.Getenv("MEMORY_EMBEDDING_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("MEMORY_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("MEMORY_EMBEDDING_MODEL"); v != "" {
		c.Embedding.ProseModel = v
	}
	if v := os.Getenv("MEMORY_CODE_EMBEDDING_MODEL"); v != "" {
		c.Embedding.CodeModel = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
		c.Classifier.GeminiAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Classifier.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Classifier.OpenAIAPIKey = v
	}
	if v := os.Getenv("MEMORY_CLASSIFIER_PROVIDER"); v != "" {
		c.Classifier.Provider = v
	}
	if v := os.Getenv("MEMORY_CLASSIFIER_ENABLED"); v != "" {
		c.Classifier.Enabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_SECURITY_ENABLED"); v != "" {
		c.Security.Enabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_NER_ENABLED"); v != "" {
		c.Security.NEREnabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_INJECTION_ENABLED"); v != "" {
		c.Injection.Enabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_INJECTION_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Injection.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("MEMORY_BUDGET_FLOOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Injection.BudgetFloor = n
		}
	}
	if v := os.Getenv("MEMORY_BUDGET_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Injection.BudgetCeiling = n
		}
	}
	if v := os.Getenv("MEMORY_WEIGHT_QUALITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Injection.WeightQuality = f
		}
	}
	if v := os.Getenv("MEMORY_WEIGHT_DENSITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Injection.WeightDensity = f
		}
	}
	if v := os.Getenv("MEMORY_WEIGHT_DRIFT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Injection.WeightDrift = f
		}
	}
	if v := os.Getenv("MEMORY_DECAY_ENABLED"); v != "" {
		c.Injection.DecayEnabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_PUSHGATEWAY_URL"); v != "" {
		c.Metrics.PushGatewayURL = v
	}
	if v := os.Getenv("MEMORY_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("MEMORY_TRACE_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := os.Getenv("MEMORY_PARZIVAL_ENABLED"); v != "" {
		c.Agent.ParzivalEnabled = envBool(v)
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("JIRA_TOKEN"); v != "" {
		c.Jira.Token = v
	}
	if v := os.Getenv("HOOK_TIMEOUT"); v != "" {
		c.HookTimeout = v
	}
	if v := os.Getenv("AUTO_UPDATE_ENABLED"); v != "" {
		c.AutoUpdateEnabled = envBool(v)
	}
}

func envBool(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

// GetStoreTimeout returns the vector-store request timeout.
func (c *Config) GetStoreTimeout() time.Duration {
	return parseDuration(c.Store.Timeout, 10*time.Second)
}

// GetEmbeddingTimeout returns the embedding request timeout.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 30*time.Second)
}

// GetClassifierTimeout returns the per-call classifier timeout.
func (c *Config) GetClassifierTimeout() time.Duration {
	return parseDuration(c.Classifier.Timeout, 30*time.Second)
}

// GetClassifierPollInterval returns the classification queue poll interval.
func (c *Config) GetClassifierPollInterval() time.Duration {
	return parseDuration(c.Classifier.PollInterval, 5*time.Second)
}

// GetHookTimeout returns the detached-worker run bound.
func (c *Config) GetHookTimeout() time.Duration {
	return parseDuration(c.HookTimeout, 60*time.Second)
}

// GetTraceFlushInterval returns the trace flush daemon poll interval.
func (c *Config) GetTraceFlushInterval() time.Duration {
	return parseDuration(c.Tracing.FlushInterval, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ValidEmbeddingProviders lists supported embedding providers.
var ValidEmbeddingProviders = []string{"ollama", "genai"}

// ValidClassifierProviders lists supported classifier providers.
var ValidClassifierProviders = []string{"anthropic", "openai", "gemini"}

// Validate validates enum-valued fields and weight consistency.
func (c *Config) Validate() error {
	if !contains(ValidEmbeddingProviders, c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	if c.Classifier.Enabled && !contains(ValidClassifierProviders, c.Classifier.Provider) {
		return fmt.Errorf("invalid classifier provider: %s (valid: %v)", c.Classifier.Provider, ValidClassifierProviders)
	}
	sum := c.Injection.WeightQuality + c.Injection.WeightDensity + c.Injection.WeightDrift
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("injection signal weights must sum to 1, got %.3f", sum)
	}
	if c.Injection.BudgetFloor > c.Injection.BudgetCeiling {
		return fmt.Errorf("budget floor %d exceeds ceiling %d", c.Injection.BudgetFloor, c.Injection.BudgetCeiling)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

var (
	mu     sync.Mutex
	loaded *Config
)

// Get returns the memoized process-wide config, loading it on first use
// from $MEMORY_INSTALL_DIR/config.yaml (or the default install dir).
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()
	if loaded != nil {
		return loaded
	}
	dir := os.Getenv("MEMORY_INSTALL_DIR")
	if dir == "" {
		dir = DefaultConfig().InstallDir
	}
	cfg, err := Load(filepath.Join(ExpandHome(dir), "config.yaml"))
	if err != nil {
		cfg = DefaultConfig()
		cfg.applyEnvOverrides()
	}
	loaded = cfg
	return loaded
}

// Reset clears the memoized config. Tests call this between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	loaded = nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || (len(path) >= 2 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
