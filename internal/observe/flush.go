package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"engram/internal/logging"

	"go.uber.org/zap"
)

// flushBatchSize caps how many spans ride in one OTLP request.
const flushBatchSize = 64

// Flusher drains the span buffer directory into a tracing backend. It is the
// body of `engram worker trace-flush`: a long-lived loop that posts buffered
// spans oldest-first, evicts the oldest files once the buffer outgrows
// MaxBytes, and touches a heartbeat file every cycle.
type Flusher struct {
	Dir       string
	Endpoint  string
	MaxBytes  int64
	Interval  time.Duration
	Heartbeat string

	Client *http.Client
	log    *zap.Logger
}

// NewFlusher builds a flusher with a 10s HTTP client.
func NewFlusher(dir, endpoint string, maxBytes int64, interval time.Duration, heartbeat string) *Flusher {
	return &Flusher{
		Dir:       dir,
		Endpoint:  endpoint,
		MaxBytes:  maxBytes,
		Interval:  interval,
		Heartbeat: heartbeat,
		Client:    &http.Client{Timeout: 10 * time.Second},
		log:       logging.L("trace-flush"),
	}
}

// Run loops until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) error {
	f.log.Info("trace flush daemon started",
		zap.String("dir", f.Dir),
		zap.String("endpoint", f.Endpoint),
		zap.Duration("interval", f.Interval))

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		f.FlushOnce(ctx)
		f.touchHeartbeat()

		select {
		case <-ctx.Done():
			f.log.Info("trace flush daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

type bufferedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// FlushOnce drains what it can and then enforces the byte cap. Failures stop
// the drain for this cycle; the files stay for the next one.
func (f *Flusher) FlushOnce(ctx context.Context) {
	files, total, err := f.bufferContents()
	if err != nil {
		f.log.Warn("failed to list trace buffer", zap.Error(err))
		return
	}

	if f.Endpoint != "" && len(files) > 0 {
		sent := f.drain(ctx, files)
		if sent > 0 {
			files, total, _ = f.bufferContents()
		}
	}

	f.evict(files, total)
}

// drain posts spans oldest-first in batches, removing each batch's files on
// success. Returns how many files were flushed.
func (f *Flusher) drain(ctx context.Context, files []bufferedFile) int {
	sent := 0
	for start := 0; start < len(files); start += flushBatchSize {
		end := start + flushBatchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		var spans []Span
		var paths []string
		for _, bf := range batch {
			data, err := os.ReadFile(bf.path)
			if err != nil {
				continue
			}
			var s Span
			if err := json.Unmarshal(data, &s); err != nil {
				// Corrupt span file: drop it rather than wedging the buffer.
				f.log.Warn("dropping corrupt span file", zap.String("file", bf.path))
				os.Remove(bf.path)
				continue
			}
			spans = append(spans, s)
			paths = append(paths, bf.path)
		}
		if len(spans) == 0 {
			continue
		}

		if err := f.post(ctx, spans); err != nil {
			f.log.Warn("failed to flush spans, will retry",
				zap.Int("spans", len(spans)), zap.Error(err))
			return sent
		}
		for _, p := range paths {
			os.Remove(p)
		}
		sent += len(paths)
	}
	if sent > 0 {
		f.log.Debug("flushed spans", zap.Int("files", sent))
	}
	return sent
}

// evict removes oldest files until the buffer fits under MaxBytes.
func (f *Flusher) evict(files []bufferedFile, total int64) {
	if f.MaxBytes <= 0 || total <= f.MaxBytes {
		return
	}
	evicted := 0
	for _, bf := range files {
		if total <= f.MaxBytes {
			break
		}
		if err := os.Remove(bf.path); err == nil {
			total -= bf.size
			evicted++
		}
	}
	if evicted > 0 {
		f.log.Warn("trace buffer over cap, evicted oldest spans",
			zap.Int("evicted", evicted), zap.Int64("cap_bytes", f.MaxBytes))
	}
}

// bufferContents lists span files oldest-first with their total size.
func (f *Flusher) bufferContents() ([]bufferedFile, int64, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var files []bufferedFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, bufferedFile{
			path:    filepath.Join(f.Dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, total, nil
}

func (f *Flusher) post(ctx context.Context, spans []Span) error {
	body, err := json.Marshal(otlpPayload(spans))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trace endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (f *Flusher) touchHeartbeat() {
	if f.Heartbeat == "" {
		return
	}
	now := time.Now()
	if err := os.Chtimes(f.Heartbeat, now, now); err != nil {
		if err := os.WriteFile(f.Heartbeat, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
			f.log.Warn("failed to touch heartbeat", zap.Error(err))
		}
	}
}

// otlpPayload builds the OTLP/HTTP JSON envelope for a span batch.
func otlpPayload(spans []Span) map[string]any {
	otlpSpans := make([]map[string]any, 0, len(spans))
	for _, s := range spans {
		span := map[string]any{
			"traceId":           s.TraceID,
			"spanId":            s.SpanID,
			"name":              s.Name,
			"kind":              1, // SPAN_KIND_INTERNAL
			"startTimeUnixNano": strconv.FormatInt(s.Start.UnixNano(), 10),
			"endTimeUnixNano":   strconv.FormatInt(s.EndTime.UnixNano(), 10),
			"status":            otlpStatus(s.Status),
		}
		if s.ParentSpanID != "" {
			span["parentSpanId"] = s.ParentSpanID
		}
		if len(s.Attrs) > 0 {
			span["attributes"] = otlpAttributes(s.Attrs)
		}
		otlpSpans = append(otlpSpans, span)
	}

	return map[string]any{
		"resourceSpans": []map[string]any{{
			"resource": map[string]any{
				"attributes": []map[string]any{{
					"key":   "service.name",
					"value": map[string]any{"stringValue": "engram"},
				}},
			},
			"scopeSpans": []map[string]any{{
				"scope": map[string]any{"name": "engram"},
				"spans": otlpSpans,
			}},
		}},
	}
}

func otlpStatus(status string) map[string]any {
	code := 1 // STATUS_CODE_OK
	if status == StatusError {
		code = 2
	}
	return map[string]any{"code": code}
}

func otlpAttributes(attrs map[string]any) []map[string]any {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"key": k, "value": otlpValue(attrs[k])})
	}
	return out
}

func otlpValue(v any) map[string]any {
	switch t := v.(type) {
	case string:
		return map[string]any{"stringValue": t}
	case bool:
		return map[string]any{"boolValue": t}
	case int:
		return map[string]any{"intValue": strconv.Itoa(t)}
	case int64:
		return map[string]any{"intValue": strconv.FormatInt(t, 10)}
	case float64:
		// JSON round-trips numbers as float64; keep whole values as ints.
		if t == float64(int64(t)) {
			return map[string]any{"intValue": strconv.FormatInt(int64(t), 10)}
		}
		return map[string]any{"doubleValue": t}
	default:
		return map[string]any{"stringValue": fmt.Sprint(t)}
	}
}
