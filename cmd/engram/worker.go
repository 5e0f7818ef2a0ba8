package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"engram/internal/classify"
	"engram/internal/config"
	"engram/internal/hooks"
	"engram/internal/observe"
	"engram/internal/queue"
	"engram/internal/store"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background workers",
}

var workerStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Run one deferred store write (work order on stdin)",
	Long: `Executes a single write work order. Write-side hooks fork this as a
detached process so the agent never waits on embedding or the vector store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), config.Get().GetHookTimeout())
		defer cancel()
		return hooks.RunStoreWorker(ctx, os.Stdin)
	},
}

var workerClassifierCmd = &cobra.Command{
	Use:   "classifier",
	Short: "Run the LLM classification daemon",
	Long: `Watches the classification queue and refines provisional memory types
with the configured LLM provider. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := classify.NewWorker(config.Get())
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return w.Run(ctx)
	},
}

var (
	retryLimit  int
	retryForce  bool
	retryDryRun bool
	retryStats  bool
	retryClear  bool
)

var workerRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Drain due entries from the retry queue",
	Long: `Replays writes that were queued while the vector store was down.
Holds an exclusive lock for the run; a second invocation fails immediately
instead of waiting.`,
	Args: cobra.NoArgs,
	RunE: runRetry,
}

var workerTraceFlushCmd = &cobra.Command{
	Use:   "trace-flush",
	Short: "Run the trace buffer flush daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		f := observe.NewFlusher(cfg.TraceDir(), cfg.Tracing.Endpoint,
			cfg.Tracing.BufferMaxBytes, cfg.GetTraceFlushInterval(),
			cfg.HeartbeatFile("trace-flush"))
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return f.Run(ctx)
	},
}

var workerPushMetricsCmd = &cobra.Command{
	Use:   "push-metrics",
	Short: "Push an observation batch from stdin to the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return observe.RunPushMetrics(ctx, os.Stdin)
	},
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	q := queue.NewRetryQueue(cfg.PendingQueueFile(), cfg.DeadLetterFile())

	if retryStats {
		stats, err := q.ReadStats(time.Now().UTC())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	if retryClear {
		if err := q.Clear(); err != nil {
			return err
		}
		fmt.Println("retry queue cleared")
		return nil
	}

	svc, err := store.NewService(cfg)
	if err != nil {
		return err
	}
	handler := func(ctx context.Context, memoryData json.RawMessage) error {
		var req store.Request
		if err := json.Unmarshal(memoryData, &req); err != nil {
			return fmt.Errorf("corrupt queued request: %w", err)
		}
		_, err := svc.Store(ctx, req)
		return err
	}

	p := queue.NewProcessor(q, cfg.LockFile(), handler, store.IsRetryable)
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	report, err := p.Run(ctx, queue.Options{
		Limit:  retryLimit,
		Force:  retryForce,
		DryRun: retryDryRun,
	})
	if err != nil {
		return err
	}
	if retryDryRun {
		fmt.Printf("dry run: %d entries eligible\n", report.Eligible)
		return nil
	}
	fmt.Printf("retry: %d eligible, %d succeeded, %d rescheduled, %d dead-lettered, %d skipped\n",
		report.Eligible, report.Succeeded, report.Rescheduled, report.DeadLettered, report.Skipped)
	return nil
}

func init() {
	workerRetryCmd.Flags().IntVar(&retryLimit, "limit", 0, "Max entries to attempt (0 = all due)")
	workerRetryCmd.Flags().BoolVar(&retryForce, "force", false, "Ignore backoff schedule and retry budgets")
	workerRetryCmd.Flags().BoolVar(&retryDryRun, "dry-run", false, "Report eligible entries without processing")
	workerRetryCmd.Flags().BoolVar(&retryStats, "stats", false, "Print queue statistics and exit")
	workerRetryCmd.Flags().BoolVar(&retryClear, "clear", false, "Drop every queued entry")

	workerCmd.AddCommand(workerStoreCmd)
	workerCmd.AddCommand(workerClassifierCmd)
	workerCmd.AddCommand(workerRetryCmd)
	workerCmd.AddCommand(workerTraceFlushCmd)
	workerCmd.AddCommand(workerPushMetricsCmd)
	rootCmd.AddCommand(workerCmd)
}
