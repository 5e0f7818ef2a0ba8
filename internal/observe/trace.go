package observe

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Env vars carrying trace context from a hook to its detached workers.
const (
	EnvTraceID      = "MEMORY_TRACE_ID"
	EnvParentSpanID = "MEMORY_PARENT_SPAN_ID"
)

// Span statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Span is one buffered trace span. Spans are written as individual JSON
// files under the trace dir and drained by the flush daemon.
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Start        time.Time      `json:"start"`
	EndTime      time.Time      `json:"end"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	Status       string         `json:"status"`
}

// NewTraceID returns a fresh random trace id in otel hex form.
func NewTraceID() string {
	var id trace.TraceID
	rand.Read(id[:])
	return id.String()
}

// NewSpanID returns a fresh random span id in otel hex form.
func NewSpanID() string {
	var id trace.SpanID
	rand.Read(id[:])
	return id.String()
}

// TraceIDFromEnv returns the trace id a parent hook exported, or "" when
// none is set or the value is not valid otel hex.
func TraceIDFromEnv() string {
	id := os.Getenv(EnvTraceID)
	if _, err := trace.TraceIDFromHex(id); err != nil {
		return ""
	}
	return id
}

// StartSpan opens a span. The trace id comes from MEMORY_TRACE_ID when a
// parent hook set one (invalid values are replaced), otherwise a new trace
// starts here; MEMORY_PARENT_SPAN_ID links the span to its spawner.
func StartSpan(name string) *Span {
	traceID := TraceIDFromEnv()
	if traceID == "" {
		traceID = NewTraceID()
	}
	parent := os.Getenv(EnvParentSpanID)
	if _, err := trace.SpanIDFromHex(parent); err != nil {
		parent = ""
	}
	return &Span{
		TraceID:      traceID,
		SpanID:       NewSpanID(),
		ParentSpanID: parent,
		Name:         name,
		Start:        time.Now().UTC(),
		Attrs:        map[string]any{},
		Status:       StatusOK,
	}
}

// SetAttr records one span attribute.
func (s *Span) SetAttr(key string, value any) {
	s.Attrs[key] = value
}

// Join moves the span onto an existing trace. Queued work carries its
// originating trace id as data because env propagation stops at the queue
// boundary. Invalid ids are ignored.
func (s *Span) Join(traceID string) {
	if _, err := trace.TraceIDFromHex(traceID); err != nil {
		return
	}
	s.TraceID = traceID
}

// End closes the span, recording error status when err is non-nil.
func (s *Span) End(err error) {
	s.EndTime = time.Now().UTC()
	if err != nil {
		s.Status = StatusError
		s.Attrs["error"] = err.Error()
	}
}

// ChildEnv returns the env pairs a detached child needs to continue this
// trace with the span as parent.
func (s *Span) ChildEnv() []string {
	return []string{
		EnvTraceID + "=" + s.TraceID,
		EnvParentSpanID + "=" + s.SpanID,
	}
}

// Write buffers the span as one JSON file in dir. File names start with the
// start time in nanoseconds so lexical order matches chronological order.
func (s *Span) Write(dir string) error {
	if s.EndTime.IsZero() {
		s.EndTime = time.Now().UTC()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode span: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", s.Start.UnixNano(), s.SpanID)
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
