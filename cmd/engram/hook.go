package main

import (
	"context"
	"os"

	"engram/internal/config"
	"engram/internal/hooks"

	"github.com/spf13/cobra"
)

// hookShort describes each hook for --help. Keys must match the runner's
// registered names.
var hookShort = map[string]string{
	hooks.NameSessionStart:         "Bootstrap session context at startup",
	hooks.NameUserPromptCapture:    "Capture the user's prompt as a memory",
	hooks.NameContextInjection:     "Inject relevant memories for the current prompt",
	hooks.NamePostToolCapture:      "Capture edited file patterns after a tool call",
	hooks.NameAgentResponseCapture: "Capture the agent's last transcript message",
	hooks.NameErrorPatternCapture:  "Capture failing command output",
	hooks.NameErrorDetection:       "Surface similar past error fixes",
	hooks.NameFirstEditTrigger:     "Surface known patterns on a session's first edit of a file",
	hooks.NameNewFileTrigger:       "Surface project conventions when a new file is created",
	hooks.NameReadContextTrigger:   "Surface conventions relevant to a file being read",
	hooks.NamePreCompactSave:       "Save a session summary before history compaction",
}

var hookCmd = &cobra.Command{
	Use:   "hook [name]",
	Short: "Run one lifecycle hook (reads the event envelope from stdin)",
	Long: `Runs a single hook against the JSON event envelope on stdin.

Write-side hooks return immediately after forking a detached store worker.
Read-side hooks print additional context and never block past their search
deadline. Malformed envelopes are dropped silently so a hook failure can
never break the agent's session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return usagef("hook requires a hook name (one of %v)", hooks.Names())
		}
		return usagef("unknown hook %q", args[0])
	},
}

func runHook(name string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetHookTimeout())
		defer cancel()
		return hooks.NewRunner(cfg, os.Stdout).Run(ctx, name, os.Stdin)
	}
}

func init() {
	for name, short := range hookShort {
		hookCmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE:  runHook(name),
		})
	}
	rootCmd.AddCommand(hookCmd)
}
