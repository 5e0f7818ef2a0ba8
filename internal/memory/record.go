package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Embedding status values for the embedding_status payload field.
const (
	EmbeddingPending  = "pending"
	EmbeddingComplete = "complete"
	EmbeddingFailed   = "failed"
)

// Record is the canonical payload of one vector-store point.
type Record struct {
	// Content is the stored textual body, possibly masked or truncated.
	Content string `json:"content"`
	// ContentHash is the deterministic hash of the original content.
	ContentHash string `json:"content_hash"`
	// GroupID is the tenant scope; "universal"/"shared" for cross-project.
	GroupID string `json:"group_id"`
	// Type is the memory type, always within the closed enumeration.
	Type Type `json:"type"`
	// SourceHook is the whitelisted origin handler name.
	SourceHook string `json:"source_hook"`
	// SessionID is the assistant session in which capture occurred.
	SessionID string `json:"session_id"`

	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"created_at"`

	EmbeddingStatus string `json:"embedding_status"`
	EmbeddingModel  string `json:"embedding_model"`

	// Freshness fields (schema v2.0.6+).
	SourceAuthority float64 `json:"source_authority"`
	DecayScore      float64 `json:"decay_score"`
	FreshnessStatus string  `json:"freshness_status"`
	IsCurrent       bool    `json:"is_current"`
	Version         int     `json:"version"`

	// Optional, type-dependent fields. Zero values are omitted from the
	// payload.
	FilePath       string   `json:"file_path,omitempty"`
	FileReferences []string `json:"file_references,omitempty"`
	Language       string   `json:"language,omitempty"`
	Framework      string   `json:"framework,omitempty"`
	Importance     string   `json:"importance,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TurnNumber     int      `json:"turn_number,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`

	// Extra carries connector-specific ids and other pass-through fields.
	Extra map[string]any `json:"-"`
}

// NewRecord builds a record with identity, freshness defaults, and
// timestamps filled in. Content here is the final (scanned, truncated) body;
// contentHash must be the hash of the original.
func NewRecord(content, contentHash, groupID string, typ Type, sourceHook, sessionID string) Record {
	now := time.Now().UTC().Format(time.RFC3339)
	info := typeTable[typ]
	return Record{
		Content:         content,
		ContentHash:     contentHash,
		GroupID:         groupID,
		Type:            typ,
		SourceHook:      sourceHook,
		SessionID:       sessionID,
		Timestamp:       now,
		CreatedAt:       now,
		EmbeddingStatus: EmbeddingPending,
		SourceAuthority: info.Authority,
		DecayScore:      1.0,
		FreshnessStatus: "fresh",
		IsCurrent:       true,
		Version:         1,
	}
}

// Validate enforces the write invariants that must hold before any record
// reaches the store.
func (r Record) Validate() error {
	if r.ContentHash == "" {
		return fmt.Errorf("record missing content_hash")
	}
	if r.GroupID == "" {
		return fmt.Errorf("record missing group_id")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown memory type %q", r.Type)
	}
	if !ValidSourceHook(r.SourceHook) {
		return fmt.Errorf("unknown source_hook %q", r.SourceHook)
	}
	return nil
}

// PointID returns the deterministic id for this record's point.
func (r Record) PointID() string {
	return PointID(r.ContentHash)
}

// Payload flattens the record into the vector-store payload map. Extra keys
// never shadow canonical fields.
func (r Record) Payload() map[string]any {
	raw, _ := json.Marshal(r)
	payload := map[string]any{}
	_ = json.Unmarshal(raw, &payload)
	for k, v := range r.Extra {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload
}

// FromPayload rebuilds a record from a stored payload map. Unknown keys are
// preserved in Extra.
func FromPayload(payload map[string]any) Record {
	raw, _ := json.Marshal(payload)
	var r Record
	_ = json.Unmarshal(raw, &r)
	known := map[string]struct{}{}
	if fields, err := json.Marshal(r); err == nil {
		m := map[string]any{}
		_ = json.Unmarshal(fields, &m)
		for k := range m {
			known[k] = struct{}{}
		}
	}
	for k, v := range payload {
		if _, ok := known[k]; !ok {
			if r.Extra == nil {
				r.Extra = map[string]any{}
			}
			r.Extra[k] = v
		}
	}
	return r
}
