package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"engram/internal/logging"

	"go.uber.org/zap"
)

// ErrLockHeld means another processor run owns the queue. Callers exit 1
// immediately; they never wait for the holder.
var ErrLockHeld = errors.New("retry queue is locked by another process")

// Handler rehydrates one queued write into the storage core. It returns nil
// on success; the processor consults IsRetryable to tell store-side outages
// from bugs.
type Handler func(ctx context.Context, memoryData json.RawMessage) error

// Processor drains due retry-queue entries under an exclusive advisory lock.
type Processor struct {
	Queue       *RetryQueue
	LockPath    string
	Handle      Handler
	IsRetryable func(error) bool

	log *zap.Logger
}

// NewProcessor wires a processor over a queue.
func NewProcessor(q *RetryQueue, lockPath string, handle Handler, isRetryable func(error) bool) *Processor {
	return &Processor{
		Queue:       q,
		LockPath:    lockPath,
		Handle:      handle,
		IsRetryable: isRetryable,
		log:         logging.L("retry"),
	}
}

// Options control one processor run.
type Options struct {
	// Limit caps how many entries are attempted. Zero means all due entries.
	Limit int
	// Force ignores the backoff schedule and includes entries past their
	// retry budget.
	Force bool
	// DryRun reports what would be attempted without touching anything.
	DryRun bool
}

// Report is the outcome of one run.
type Report struct {
	Eligible     int `json:"eligible"`
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// Run processes due entries once. On lock conflict it returns ErrLockHeld
// without waiting. Handler outcomes: success removes the entry; a retryable
// failure reschedules it (or dead-letters it once the budget is spent); an
// unexpected error leaves the entry untouched so a processor bug cannot
// burn retry budgets across the whole queue.
func (p *Processor) Run(ctx context.Context, opts Options) (Report, error) {
	unlock, err := p.acquireLock()
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	entries, err := p.Queue.ReadAll()
	if err != nil {
		return Report{}, err
	}

	now := time.Now().UTC()
	eligible := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if opts.Force {
			eligible = append(eligible, e)
			continue
		}
		if e.Due(now) && !e.Exhausted() {
			eligible = append(eligible, e)
		}
	}
	if opts.Limit > 0 && len(eligible) > opts.Limit {
		eligible = eligible[:opts.Limit]
	}

	report := Report{Eligible: len(eligible)}
	if opts.DryRun {
		p.log.Info("dry run", zap.Int("eligible", len(eligible)), zap.Int("pending", len(entries)))
		return report, nil
	}

	removed := make(map[string]bool)
	updated := make(map[string]Entry)
	var dead []Entry

	for _, e := range eligible {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		err := p.Handle(ctx, e.MemoryData)
		switch {
		case err == nil:
			removed[e.ID] = true
			report.Succeeded++
			p.log.Info("retry succeeded", zap.String("id", e.ID), zap.Int("attempt", e.RetryCount+1))

		case p.IsRetryable(err):
			e.RetryCount++
			if e.RetryCount >= e.MaxRetries {
				removed[e.ID] = true
				dead = append(dead, e)
				report.DeadLettered++
				continue
			}
			e.NextRetryAt = now.Add(backoffFor(e.RetryCount))
			updated[e.ID] = e
			report.Rescheduled++
			p.log.Warn("retry failed, rescheduled",
				zap.String("id", e.ID),
				zap.Int("retry_count", e.RetryCount),
				zap.Time("next_retry_at", e.NextRetryAt),
				zap.Error(err))

		default:
			// Likely a bug, not an outage. Keep the entry exactly as it was.
			report.Skipped++
			p.log.Error("unexpected error processing entry, leaving it untouched",
				zap.String("id", e.ID),
				zap.Error(err),
				zap.Stack("stack"))
		}
	}

	if err := p.Queue.Apply(removed, updated, dead); err != nil {
		return report, fmt.Errorf("failed to rewrite queue: %w", err)
	}
	p.log.Info("retry run complete",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("rescheduled", report.Rescheduled),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// acquireLock takes the non-blocking exclusive advisory lock. The returned
// func releases it.
func (p *Processor) acquireLock() (func(), error) {
	file, err := os.OpenFile(p.LockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", p.LockPath, err)
	}
	return func() {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
	}, nil
}
