package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"engram/internal/config"
	"engram/internal/memory"
	"engram/internal/store"

	"github.com/spf13/cobra"
)

var saveMemoryType string

var saveMemoryCmd = &cobra.Command{
	Use:   "save-memory [content]",
	Short: "Store an explicit memory",
	Long: `Stores content directly, outside any hook event. Content comes from
the argument or, when omitted, from stdin. The write runs the full
pipeline: security scan, dedup, truncation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSaveMemory,
}

func runSaveMemory(cmd *cobra.Command, args []string) error {
	var content string
	if len(args) == 1 {
		content = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = string(data)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return usagef("nothing to save: pass content as an argument or on stdin")
	}

	typ := memory.Type(saveMemoryType)
	if typ != memory.TypeAgentMemory && typ != memory.TypeAgentInsight {
		return usagef("--type must be %s or %s", memory.TypeAgentMemory, memory.TypeAgentInsight)
	}

	cfg := config.Get()
	svc, err := store.NewService(cfg)
	if err != nil {
		return err
	}

	wd, _ := os.Getwd()
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetHookTimeout())
	defer cancel()

	res, err := svc.Store(ctx, store.Request{
		Content:    content,
		CWD:        wd,
		Type:       typ,
		SourceHook: memory.SourceCLI,
		AgentID:    cfg.Agent.AgentID,
	})
	if err != nil {
		return err
	}

	switch res.Status {
	case store.StatusStored:
		fmt.Printf("stored %s (embedding %s)\n", res.MemoryID, res.EmbeddingStatus)
	case store.StatusDuplicate:
		fmt.Printf("duplicate of %s\n", res.MemoryID)
	case store.StatusBlocked:
		fmt.Printf("blocked: %s\n", res.Reason)
	case store.StatusQueued:
		fmt.Println("store unavailable, queued for retry")
	}
	return nil
}

func init() {
	saveMemoryCmd.Flags().StringVar(&saveMemoryType, "type", string(memory.TypeAgentMemory),
		"Memory type (agent_memory or agent_insight)")
	rootCmd.AddCommand(saveMemoryCmd)
}
