package trigger

import (
	"os"
	"path/filepath"
	"sync"
)

// IsNewFile reports whether path does not yet exist on disk. Used by edit
// hooks to distinguish file creation from modification.
func IsNewFile(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

const maxTrackedSessions = 100

// FirstEditTracker remembers which files each session has already touched so
// capture hooks only fire on the first edit of a file per session. State is
// process-local; a fresh worker starts empty, which at worst re-captures one
// edit per file.
type FirstEditTracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
	order    []string // session ids, oldest first
}

// NewFirstEditTracker returns an empty tracker.
func NewFirstEditTracker() *FirstEditTracker {
	return &FirstEditTracker{sessions: make(map[string]map[string]struct{})}
}

// FirstEdit records an edit of path under sessionID and reports whether it
// was the first one in that session. Paths are normalized to absolute form
// so "./a.go" and "a.go" count as one file.
func (t *FirstEditTracker) FirstEdit(sessionID, path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	edited, ok := t.sessions[sessionID]
	if !ok {
		t.evictLocked()
		edited = make(map[string]struct{})
		t.sessions[sessionID] = edited
		t.order = append(t.order, sessionID)
	}
	if _, dup := edited[path]; dup {
		return false
	}
	edited[path] = struct{}{}
	return true
}

// evictLocked drops oldest sessions until a new one fits under the cap.
func (t *FirstEditTracker) evictLocked() {
	for len(t.order) >= maxTrackedSessions {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.sessions, oldest)
	}
}

// Sessions returns the number of sessions currently tracked.
func (t *FirstEditTracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
