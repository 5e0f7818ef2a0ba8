package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"engram/internal/classify"
	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/memory"
	"engram/internal/observe"
	"engram/internal/qdrant"
	"engram/internal/queue"
	"engram/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusJSON bool

// heartbeatStale is how old a worker heartbeat may be before the worker is
// reported as stale.
const heartbeatStale = 2 * time.Minute

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory layer health",
	Long: `Reports store reachability, collection sizes for this project,
retry queue depth, worker heartbeats, and configuration. Doctor-style
checks probe the embedding service and the classifier provider.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

type statusReport struct {
	Store       storeStatus              `json:"store"`
	Collections []observe.CollectionStat `json:"collections,omitempty"`
	Warnings    []string                 `json:"warnings,omitempty"`
	Queue       queue.Stats              `json:"queue"`
	Workers     []workerStatus           `json:"workers"`
	Checks      []checkResult            `json:"checks"`
	Config      configSummary            `json:"config"`
}

type storeStatus struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type workerStatus struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Age           string `json:"age,omitempty"`
}

type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type configSummary struct {
	InstallDir         string `json:"install_dir"`
	GroupID            string `json:"group_id,omitempty"`
	EmbeddingProvider  string `json:"embedding_provider"`
	ClassifierEnabled  bool   `json:"classifier_enabled"`
	ClassifierProvider string `json:"classifier_provider,omitempty"`
	InjectionEnabled   bool   `json:"injection_enabled"`
	MetricsEnabled     bool   `json:"metrics_enabled"`
	TracingEnabled     bool   `json:"tracing_enabled"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetStoreTimeout()+cfg.GetEmbeddingTimeout())
	defer cancel()

	wd, _ := os.Getwd()
	groupID := store.ResolveGroupID(wd)
	client := qdrant.NewClient(cfg.Store.URL, cfg.Store.APIKey, cfg.GetStoreTimeout())

	report := statusReport{
		Store: storeStatus{URL: cfg.Store.URL, Healthy: true},
		Config: configSummary{
			InstallDir:         cfg.ResolvedInstallDir(),
			GroupID:            groupID,
			EmbeddingProvider:  cfg.Embedding.Provider,
			ClassifierEnabled:  cfg.Classifier.Enabled,
			ClassifierProvider: cfg.Classifier.Provider,
			InjectionEnabled:   cfg.Injection.Enabled,
			MetricsEnabled:     cfg.Metrics.Enabled,
			TracingEnabled:     cfg.Tracing.Enabled,
		},
	}

	if err := client.Ready(ctx); err != nil {
		report.Store.Healthy = false
		report.Store.Error = err.Error()
	} else if stats, err := observe.CollectStats(ctx, client, memory.Collections(), groupID); err == nil {
		report.Collections = stats
		report.Warnings = observe.SizeWarnings(stats, groupID)
	}

	q := queue.NewRetryQueue(cfg.PendingQueueFile(), cfg.DeadLetterFile())
	if stats, err := q.ReadStats(time.Now().UTC()); err == nil {
		report.Queue = stats
	}

	for _, name := range []string{"classifier", "trace-flush"} {
		report.Workers = append(report.Workers, heartbeatStatus(cfg, name))
	}

	report.Checks = append(report.Checks, checkResult{
		Name:   "vector store",
		OK:     report.Store.Healthy,
		Detail: report.Store.Error,
	})
	report.Checks = append(report.Checks, embeddingCheck(ctx, cfg))
	report.Checks = append(report.Checks, classifierCheck(cfg))

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderStatus(report)
	return nil
}

func heartbeatStatus(cfg *config.Config, name string) workerStatus {
	ws := workerStatus{Name: name}
	info, err := os.Stat(cfg.HeartbeatFile(name))
	if err != nil {
		return ws
	}
	age := time.Since(info.ModTime())
	ws.LastHeartbeat = info.ModTime().UTC().Format(time.RFC3339)
	ws.Age = age.Round(time.Second).String()
	ws.Running = age < heartbeatStale
	return ws
}

func embeddingCheck(ctx context.Context, cfg *config.Config) checkResult {
	check := checkResult{Name: "embedding service"}
	svc, err := embedding.NewService(cfg)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	if err := svc.HealthCheck(ctx); err != nil {
		check.Detail = err.Error()
		return check
	}
	check.OK = true
	check.Detail = cfg.Embedding.Provider
	return check
}

func classifierCheck(cfg *config.Config) checkResult {
	check := checkResult{Name: "classifier provider"}
	if !cfg.Classifier.Enabled {
		check.OK = true
		check.Detail = "disabled"
		return check
	}
	if _, err := classify.NewProvider(cfg); err != nil {
		check.Detail = err.Error()
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%s (%s)", cfg.Classifier.Provider, cfg.Classifier.Model)
	return check
}

func renderStatus(r statusReport) {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	mark := func(ok bool) string {
		if ok {
			return good.Render("●")
		}
		return bad.Render("●")
	}

	fmt.Println(title.Render("Store"))
	if r.Store.Healthy {
		fmt.Printf("  %s %s\n", mark(true), r.Store.URL)
	} else {
		fmt.Printf("  %s %s: %s\n", mark(false), r.Store.URL, r.Store.Error)
	}

	if len(r.Collections) > 0 {
		fmt.Println(title.Render("Collections"))
		for _, s := range r.Collections {
			line := fmt.Sprintf("  %s: %d points", s.Collection, s.Points)
			if s.TenantPoints > 0 {
				line += fmt.Sprintf(" (%d this project)", s.TenantPoints)
			}
			fmt.Println(line)
		}
		for _, w := range r.Warnings {
			fmt.Printf("  %s %s\n", warn.Render("!"), w)
		}
	}

	fmt.Println(title.Render("Retry queue"))
	fmt.Printf("  %d pending (%d due), %d dead-lettered\n", r.Queue.Pending, r.Queue.Due, r.Queue.DeadLettered)
	if !r.Queue.OldestEnqueued.IsZero() {
		fmt.Printf("  oldest entry %s\n", muted.Render(r.Queue.OldestEnqueued.Format(time.RFC3339)))
	}

	fmt.Println(title.Render("Workers"))
	for _, w := range r.Workers {
		switch {
		case w.LastHeartbeat == "":
			fmt.Printf("  %s %s: no heartbeat\n", muted.Render("○"), w.Name)
		case w.Running:
			fmt.Printf("  %s %s: heartbeat %s ago\n", mark(true), w.Name, w.Age)
		default:
			fmt.Printf("  %s %s: stale, last heartbeat %s ago\n", mark(false), w.Name, w.Age)
		}
	}

	fmt.Println(title.Render("Checks"))
	for _, c := range r.Checks {
		detail := c.Detail
		if detail != "" {
			detail = " " + muted.Render(detail)
		}
		fmt.Printf("  %s %s%s\n", mark(c.OK), c.Name, detail)
	}

	fmt.Println(title.Render("Config"))
	fmt.Printf("  install dir %s\n", r.Config.InstallDir)
	if r.Config.GroupID != "" {
		fmt.Printf("  project %s\n", r.Config.GroupID)
	}
	fmt.Printf("  embedding %s, classifier %s, injection %s, metrics %s, tracing %s\n",
		r.Config.EmbeddingProvider,
		onOff(r.Config.ClassifierEnabled),
		onOff(r.Config.InjectionEnabled),
		onOff(r.Config.MetricsEnabled),
		onOff(r.Config.TracingEnabled))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(statusCmd)
}
