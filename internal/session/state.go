// Package session persists the per-session injection state that keeps
// repeated hook processes from injecting the same memory twice. One JSON
// file per session in the system temp dir; every hook loads it at start and
// saves it at exit. There is no in-memory sharing between hook processes.
package session

import (
	"encoding/json"
	"os"

	"engram/internal/config"
	"engram/internal/logging"

	"go.uber.org/zap"
)

// State is one session's injection ledger.
type State struct {
	SessionID           string    `json:"session_id"`
	InjectedPointIDs    []string  `json:"injected_point_ids"`
	LastQueryEmbedding  []float32 `json:"last_query_embedding,omitempty"`
	TopicDrift          float64   `json:"topic_drift"`
	TurnCount           int       `json:"turn_count"`
	TotalTokensInjected int       `json:"total_tokens_injected"`
}

// NewState returns a fresh state for a session.
func NewState(sessionID string) *State {
	return &State{SessionID: sessionID, InjectedPointIDs: []string{}}
}

// Load reads a session's state file. A missing or corrupt file yields a
// fresh state; injection must never fail because last turn's state rotted.
func Load(sessionID string) *State {
	path := config.SessionStatePath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return NewState(sessionID)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logging.L("session").Warn("corrupt session state, starting fresh",
			zap.String("path", path), zap.Error(err))
		return NewState(sessionID)
	}
	st.SessionID = sessionID
	if st.InjectedPointIDs == nil {
		st.InjectedPointIDs = []string{}
	}
	return &st
}

// Save writes the state file via a temp-file rename so a concurrent hook
// never reads a torn write.
func (s *State) Save() error {
	path := config.SessionStatePath(s.SessionID)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(os.TempDir(), ".injection-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Injected reports whether a point id was already injected this session.
func (s *State) Injected(id string) bool {
	for _, existing := range s.InjectedPointIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// MarkInjected records point ids as injected, skipping duplicates.
func (s *State) MarkInjected(ids ...string) {
	for _, id := range ids {
		if !s.Injected(id) {
			s.InjectedPointIDs = append(s.InjectedPointIDs, id)
		}
	}
}

// ResetAfterCompact clears the injected ids so compacted context can be
// re-established, but keeps the last embedding and drift so topic tracking
// spans the compaction.
func (s *State) ResetAfterCompact() {
	s.InjectedPointIDs = []string{}
}
