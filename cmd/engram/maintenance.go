package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/maintenance"
	"engram/internal/qdrant"

	"github.com/spf13/cobra"
)

var (
	backfillCollection string
	backfillBatchSize  int
	backfillDryRun     bool

	quantizeDryRun bool
	quantizeYes    bool

	hnswCollection string
	hnswM          int
	hnswEf         int
	hnswDryRun     bool

	backupOutput      string
	backupIncludeLogs bool

	restoreYes bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed points stored with pending embeddings",
	Long: `Scans for points whose embedding was deferred (stored with a zero
vector while the embedding service was down), embeds their content, and
flips them to complete. Failures stay pending for the next run.`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

var quantizeCmd = &cobra.Command{
	Use:   "quantize",
	Short: "Enable int8 scalar quantization on all collections",
	Args:  cobra.NoArgs,
	RunE:  runQuantize,
}

var optimizeHNSWCmd = &cobra.Command{
	Use:   "optimize-hnsw",
	Short: "Retune HNSW graph parameters",
	Args:  cobra.NoArgs,
	RunE:  runOptimizeHNSW,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump all collections to a backup directory",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-dir]",
	Short: "Replay a backup into the store",
	Long: `Verifies every snapshot in the backup directory against its manifest,
then replays the points in batches. Nothing is written until the whole
backup has been read and checked.`,
	Args: exactArgs(1),
	RunE: runRestore,
}

func storeClient(cfg *config.Config) *qdrant.Client {
	return qdrant.NewClient(cfg.Store.URL, cfg.Store.APIKey, cfg.GetStoreTimeout())
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	embedder, err := embedding.NewService(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b := maintenance.NewBackfiller(storeClient(cfg), embedder)
	report, err := b.Run(ctx, maintenance.BackfillOptions{
		Collection: backfillCollection,
		BatchSize:  backfillBatchSize,
		DryRun:     backfillDryRun,
	})
	if err != nil {
		return err
	}
	if backfillDryRun {
		fmt.Printf("dry run: %d pending points\n", report.Scanned)
		return nil
	}
	fmt.Printf("backfill: %d scanned, %d updated, %d failed, %d skipped\n",
		report.Scanned, report.Updated, report.Failed, report.Skipped)
	return nil
}

func runQuantize(cmd *cobra.Command, args []string) error {
	if !quantizeDryRun && !quantizeYes &&
		!confirm("Enable int8 scalar quantization on all collections?") {
		fmt.Println("aborted")
		return nil
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	done, err := maintenance.EnableQuantization(ctx, storeClient(config.Get()), quantizeDryRun)
	if err != nil {
		return err
	}
	verb := "quantization enabled on"
	if quantizeDryRun {
		verb = "dry run: would quantize"
	}
	fmt.Printf("%s %s\n", verb, strings.Join(done, ", "))
	return nil
}

func runOptimizeHNSW(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	done, err := maintenance.OptimizeHNSW(ctx, storeClient(config.Get()),
		hnswCollection, hnswM, hnswEf, hnswDryRun)
	if err != nil {
		return err
	}
	verb := "hnsw retuned on"
	if hnswDryRun {
		verb = "dry run: would retune"
	}
	fmt.Printf("%s %s\n", verb, strings.Join(done, ", "))
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	dir := backupOutput
	if dir == "" {
		dir = filepath.Join(cfg.ResolvedInstallDir(), "backups",
			time.Now().UTC().Format("20060102-150405"))
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	manifest, err := maintenance.Backup(ctx, cfg, storeClient(cfg), dir, backupIncludeLogs)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range manifest.Collections {
		total += n
	}
	fmt.Printf("backed up %d points across %d collections to %s\n",
		total, len(manifest.Collections), dir)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	dir := args[0]

	manifest, err := maintenance.ReadManifest(dir)
	if err != nil {
		return err
	}
	var total int64
	for _, n := range manifest.Collections {
		total += n
	}
	if !restoreYes && !confirm(fmt.Sprintf(
		"Restore %d points into %d collections from %s (taken %s)?",
		total, len(manifest.Collections), dir, manifest.CreatedAt)) {
		fmt.Println("aborted")
		return nil
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	restored, err := maintenance.Restore(ctx, cfg, storeClient(cfg), dir)
	if err != nil {
		return err
	}
	for coll, n := range restored {
		fmt.Printf("restored %s: %d points\n", coll, n)
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func init() {
	backfillCmd.Flags().StringVar(&backfillCollection, "collection", "", "Backfill a single collection")
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 0, "Scroll and update batch size")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Count pending points without embedding")

	quantizeCmd.Flags().BoolVar(&quantizeDryRun, "dry-run", false, "List collections without changing them")
	quantizeCmd.Flags().BoolVarP(&quantizeYes, "yes", "y", false, "Skip the confirmation prompt")

	optimizeHNSWCmd.Flags().StringVar(&hnswCollection, "collection", "", "Retune a single collection")
	optimizeHNSWCmd.Flags().IntVar(&hnswM, "m", 0, "Graph connectivity (0 = default)")
	optimizeHNSWCmd.Flags().IntVar(&hnswEf, "ef-construct", 0, "Build-time beam width (0 = default)")
	optimizeHNSWCmd.Flags().BoolVar(&hnswDryRun, "dry-run", false, "List collections without changing them")

	backupCmd.Flags().StringVar(&backupOutput, "output", "", "Backup directory (default under the install dir)")
	backupCmd.Flags().BoolVar(&backupIncludeLogs, "include-logs", false, "Copy activity and audit logs into the backup")

	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(quantizeCmd)
	rootCmd.AddCommand(optimizeHNSWCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}
