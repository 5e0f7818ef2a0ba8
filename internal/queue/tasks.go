package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is one pending classification. The store writes a task after every
// successful upsert; the classifier worker consumes them.
type Task struct {
	MemoryID    string    `json:"memory_id"`
	Collection  string    `json:"collection"`
	Content     string    `json:"content"`
	CurrentType string    `json:"current_type"`
	GroupID     string    `json:"group_id"`
	SourceHook  string    `json:"source_hook"`
	SessionID   string    `json:"session_id,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// TaskQueue is a directory of one JSON file per task. Any process may write;
// the single worker claims tasks by rename, which makes concurrent workers
// safe by losing the race instead of double-processing.
type TaskQueue struct {
	Dir string
}

// NewTaskQueue opens the task directory.
func NewTaskQueue(dir string) *TaskQueue {
	return &TaskQueue{Dir: dir}
}

const claimedSuffix = ".claimed"

// Enqueue writes one task file. The name leads with nanoseconds so lexical
// order is arrival order; the write goes through a temp file so the worker
// never sees a partial task.
func (tq *TaskQueue) Enqueue(t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(tq.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	tmp, err := os.CreateTemp(tq.Dir, ".task-*")
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

	name := fmt.Sprintf("%d-%s.json", t.EnqueuedAt.UnixNano(), uuid.NewString())
	return os.Rename(tmp.Name(), filepath.Join(tq.Dir, name))
}

// ClaimedTask is a dequeued task plus its claim file.
type ClaimedTask struct {
	Task
	claimPath string
}

// Done removes the claim; the task is finished (successfully or not).
func (c *ClaimedTask) Done() error {
	return os.Remove(c.claimPath)
}

// Release puts the task back for a future dequeue.
func (c *ClaimedTask) Release() error {
	return os.Rename(c.claimPath, strings.TrimSuffix(c.claimPath, claimedSuffix))
}

// Dequeue claims up to max tasks, oldest first. A failed rename means
// another worker won that file; it is skipped silently. Unreadable claimed
// files are dropped.
func (tq *TaskQueue) Dequeue(max int) ([]ClaimedTask, error) {
	entries, err := os.ReadDir(tq.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var claimed []ClaimedTask
	for _, name := range names {
		if len(claimed) >= max {
			break
		}
		src := filepath.Join(tq.Dir, name)
		dst := src + claimedSuffix
		if err := os.Rename(src, dst); err != nil {
			continue // lost the claim race
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			os.Remove(dst)
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			os.Remove(dst)
			continue
		}
		claimed = append(claimed, ClaimedTask{Task: t, claimPath: dst})
	}
	return claimed, nil
}

// Depth counts unclaimed tasks.
func (tq *TaskQueue) Depth() (int, error) {
	entries, err := os.ReadDir(tq.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
