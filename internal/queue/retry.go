// Package queue implements the two on-disk queues that decouple hooks from
// slow or unavailable backends: the append-only JSONL retry queue for writes
// that could not reach the vector store, and the file-per-task classification
// queue consumed by the classifier worker.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"engram/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCorrupt marks a queue file with undecodable entries. Callers map it to
// exit code 1.
var ErrCorrupt = errors.New("queue file corrupt")

// DefaultMaxRetries is how many processor attempts an entry gets before it
// moves to the dead-letter file.
const DefaultMaxRetries = 3

// retryBase is the unit of the exponential backoff schedule.
const retryBase = 30 * time.Second

// maxLineBytes bounds one queue entry. Memory content is capped upstream at
// 8k tokens, so a megabyte is generous.
const maxLineBytes = 1 << 20

// Entry is one queued write. MemoryData is the original store request, kept
// opaque so the queue does not depend on the storage core.
type Entry struct {
	ID            string          `json:"id"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	MemoryData    json.RawMessage `json:"memory_data"`
	FailureReason string          `json:"failure_reason"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	MaxRetries    int             `json:"max_retries"`
}

// Due reports whether the entry is ready for another attempt.
func (e Entry) Due(now time.Time) bool {
	return !e.NextRetryAt.After(now)
}

// Exhausted reports whether the entry is out of attempts.
func (e Entry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// backoffFor returns the delay before attempt retryCount+1.
func backoffFor(retryCount int) time.Duration {
	return retryBase * time.Duration(1<<uint(retryCount))
}

// RetryQueue is the append-only JSONL retry queue plus its dead-letter file.
type RetryQueue struct {
	Path    string
	DLQPath string

	log *zap.Logger
}

// NewRetryQueue opens a retry queue at path with its dead-letter file.
func NewRetryQueue(path, dlqPath string) *RetryQueue {
	return &RetryQueue{Path: path, DLQPath: dlqPath, log: logging.L("queue")}
}

// Enqueue appends one entry. With immediate set the entry is due at once;
// otherwise the first attempt waits out the base backoff so a briefly
// unavailable store is not hammered.
func (q *RetryQueue) Enqueue(memoryData any, failureReason string, immediate bool) (Entry, error) {
	data, err := json.Marshal(memoryData)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode memory data: %w", err)
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:            uuid.NewString(),
		EnqueuedAt:    now,
		MemoryData:    data,
		FailureReason: failureReason,
		RetryCount:    0,
		NextRetryAt:   now.Add(backoffFor(0)),
		MaxRetries:    DefaultMaxRetries,
	}
	if immediate {
		entry.NextRetryAt = now
	}

	if err := q.appendLine(q.Path, entry); err != nil {
		return Entry{}, err
	}
	q.log.Info("enqueued for retry",
		zap.String("id", entry.ID),
		zap.String("reason", failureReason),
		zap.Time("next_retry_at", entry.NextRetryAt))
	return entry, nil
}

// ReadAll returns every entry in the queue. Undecodable lines make the whole
// read fail with ErrCorrupt: a half-trusted queue is worse than a loud stop.
func (q *RetryQueue) ReadAll() ([]Entry, error) {
	return q.readFile(q.Path)
}

// ReadDeadLetters returns the dead-letter entries.
func (q *RetryQueue) ReadDeadLetters() ([]Entry, error) {
	return q.readFile(q.DLQPath)
}

func (q *RetryQueue) readFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d of %s: %v", ErrCorrupt, lineNo, path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entries, nil
}

// Apply rewrites the queue in place: removed ids are dropped, updated entries
// are replaced, dead entries are appended to the DLQ. Entries enqueued while
// the caller was processing survive untouched.
func (q *RetryQueue) Apply(removed map[string]bool, updated map[string]Entry, dead []Entry) error {
	for _, e := range dead {
		if err := q.appendLine(q.DLQPath, e); err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", e.ID, err)
		}
		q.log.Warn("entry moved to dead-letter queue",
			zap.String("id", e.ID),
			zap.Int("retry_count", e.RetryCount),
			zap.String("reason", e.FailureReason))
	}
	if len(removed) == 0 && len(updated) == 0 {
		return nil
	}

	file, err := os.OpenFile(q.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock queue: %w", err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	var survivors []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if removed[e.ID] {
			continue
		}
		if upd, ok := updated[e.ID]; ok {
			e = upd
		}
		survivors = append(survivors, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(q.Path), ".pending_queue-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	for _, e := range survivors {
		data, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), q.Path)
}

// Clear truncates the pending queue. The dead-letter file is left alone.
func (q *RetryQueue) Clear() error {
	err := os.Truncate(q.Path, 0)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Stats summarizes both files for status output.
type Stats struct {
	Pending        int       `json:"pending"`
	Due            int       `json:"due"`
	PastMaxRetries int       `json:"past_max_retries"`
	DeadLettered   int       `json:"dead_lettered"`
	OldestEnqueued time.Time `json:"oldest_enqueued,omitempty"`
}

// ReadStats computes queue statistics.
func (q *RetryQueue) ReadStats(now time.Time) (Stats, error) {
	entries, err := q.ReadAll()
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.ReadDeadLetters()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{Pending: len(entries), DeadLettered: len(dead)}
	for _, e := range entries {
		if e.Due(now) {
			s.Due++
		}
		if e.Exhausted() {
			s.PastMaxRetries++
		}
		if s.OldestEnqueued.IsZero() || e.EnqueuedAt.Before(s.OldestEnqueued) {
			s.OldestEnqueued = e.EnqueuedAt
		}
	}
	return s, nil
}

func (q *RetryQueue) appendLine(path string, e Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}
