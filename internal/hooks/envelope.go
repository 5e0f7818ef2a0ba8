// Package hooks implements the short-lived handlers the assistant invokes
// around its lifecycle events. Write-side hooks gate cheaply and fork a
// detached store worker; read-side hooks run a bounded retrieval and print
// a context block. Every handler exits cleanly on malformed input because a
// hook failure must never surface to the assistant.
package hooks

import (
	"encoding/json"
	"io"

	"engram/internal/config"
)

// ToolResponse is the host's report of a completed tool call.
type ToolResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Envelope is the single JSON object every hook reads from stdin. Hooks see
// the subset of fields their event carries.
type Envelope struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	ToolResponse   *ToolResponse  `json:"tool_response"`
	CWD            string         `json:"cwd"`
	Prompt         string         `json:"prompt"`
}

// DecodeEnvelope reads one envelope. Malformed JSON is an error the caller
// turns into a silent exit.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	env.TranscriptPath = config.ExpandHome(env.TranscriptPath)
	return &env, nil
}

// InputString returns a string field from tool_input.
func (e *Envelope) InputString(key string) string {
	if e.ToolInput == nil {
		return ""
	}
	s, _ := e.ToolInput[key].(string)
	return s
}

// Failed reports whether the tool call ended badly: a nonzero exit code, or
// no exit code at all but stderr output.
func (e *Envelope) Failed() bool {
	if e.ToolResponse == nil {
		return false
	}
	if e.ToolResponse.ExitCode != nil {
		return *e.ToolResponse.ExitCode != 0
	}
	return e.ToolResponse.Stderr != ""
}

// Output returns the combined tool output, stderr first since that is where
// error signals live.
func (e *Envelope) Output() string {
	if e.ToolResponse == nil {
		return ""
	}
	if e.ToolResponse.Stderr != "" && e.ToolResponse.Stdout != "" {
		return e.ToolResponse.Stderr + "\n" + e.ToolResponse.Stdout
	}
	return e.ToolResponse.Stderr + e.ToolResponse.Stdout
}
