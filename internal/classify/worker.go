package classify

import (
	"context"
	"os"
	"sync"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/observe"
	"engram/internal/qdrant"
	"engram/internal/queue"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Worker is the long-lived daemon draining the classification queue. One
// instance per install; a second worker loses every claim race and idles
// harmlessly.
type Worker struct {
	cfg        *config.Config
	tasks      *queue.TaskQueue
	client     *qdrant.Client
	classifier *Classifier
	log        *zap.Logger

	mu        sync.Mutex
	processed int
	failed    int
}

// NewWorker wires a worker from config.
func NewWorker(cfg *config.Config) (*Worker, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewWorkerWith(cfg,
		queue.NewTaskQueue(cfg.ClassifyQueueDir()),
		qdrant.NewClient(cfg.Store.URL, cfg.Store.APIKey, cfg.GetStoreTimeout()),
		New(provider),
	), nil
}

// NewWorkerWith builds a worker with explicit dependencies.
func NewWorkerWith(cfg *config.Config, tasks *queue.TaskQueue, client *qdrant.Client, classifier *Classifier) *Worker {
	return &Worker{
		cfg:        cfg,
		tasks:      tasks,
		client:     client,
		classifier: classifier,
		log:        logging.L("classifier"),
	}
}

// Run polls the queue until ctx is canceled. An fsnotify watch on the queue
// directory wakes the loop early when a task lands; the poll interval remains
// the fallback when watching fails. In-flight tasks always finish before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.tasks.Dir, 0o755); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(w.tasks.Dir); err != nil {
			w.log.Warn("queue watch failed, polling only", zap.Error(err))
		} else {
			go watchLoop(ctx, watcher, wake)
		}
	}

	interval := w.cfg.GetClassifierPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("classifier worker started",
		zap.String("queue", w.tasks.Dir),
		zap.Duration("poll_interval", interval),
		zap.Int("batch_size", w.batchSize()),
		zap.Int("concurrency", w.concurrency()))

	for {
		w.touchHeartbeat()
		if _, err := w.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("queue drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			processed, failed := w.Counts()
			w.log.Info("classifier worker stopping",
				zap.Int("processed", processed),
				zap.Int("failed", failed))
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// watchLoop forwards create and rename events into the wake channel. Rename
// matters because the store's enqueue lands tasks via temp-file rename.
func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// DrainOnce claims one batch and processes it with bounded concurrency.
// Claims made before a shutdown request are processed to completion; claims
// that were never started are released back to the queue. Returns the number
// of tasks attempted.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	claims, err := w.tasks.Dequeue(w.batchSize())
	if err != nil {
		return 0, err
	}
	if len(claims) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(w.concurrency()))
	var wg sync.WaitGroup
	attempted := 0
	for i := range claims {
		claim := &claims[i]
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			if err := claim.Release(); err != nil {
				w.log.Warn("failed to release unstarted task",
					zap.String("memory_id", claim.MemoryID), zap.Error(err))
			}
			continue
		}
		attempted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.process(claim)
		}()
	}
	wg.Wait()
	return attempted, nil
}

// process runs one task end to end. Every outcome removes the claim: the
// queue carries no retry budget, so a failed classification is dropped
// rather than looped on.
func (w *Worker) process(claim *queue.ClaimedTask) {
	// Detached from the worker's shutdown context so an in-flight call
	// finishes after SIGTERM.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.GetClassifierTimeout())
	defer cancel()
	defer func() {
		if err := claim.Done(); err != nil {
			w.log.Warn("failed to remove claim", zap.String("memory_id", claim.MemoryID), zap.Error(err))
		}
	}()

	task := claim.Task
	span := observe.StartSpan("classifier.task")
	span.Join(task.TraceID)
	span.SetAttr("memory_id", task.MemoryID)
	span.SetAttr("collection", task.Collection)
	span.SetAttr("current_type", task.CurrentType)
	if task.SourceHook != "" {
		span.SetAttr("source_hook", task.SourceHook)
	}

	res, err := w.classifier.Classify(ctx, task.Content, task.Collection, task.CurrentType)
	if err != nil {
		w.fail(span, task, "classify_failed", err)
		return
	}
	span.SetAttr("classified_type", string(res.ClassifiedType))
	span.SetAttr("confidence", res.Confidence)
	span.SetAttr("model", res.ModelName)
	span.SetAttr("input_tokens", res.InputTokens)
	span.SetAttr("output_tokens", res.OutputTokens)

	if res.Confidence >= w.threshold() {
		payload := map[string]any{
			"type":                      string(res.ClassifiedType),
			"classification_confidence": res.Confidence,
			"classification_provider":   res.ProviderUsed,
			"classification_reasoning":  res.Reasoning,
			"classified_at":             time.Now().UTC().Format(time.RFC3339),
			"is_classified":             true,
		}
		if err := w.client.SetPayload(ctx, task.Collection, payload, []string{task.MemoryID}); err != nil {
			w.fail(span, task, "payload_update_failed", err)
			return
		}
		if res.WasReclassified {
			w.log.Info("memory reclassified",
				zap.String("memory_id", task.MemoryID),
				zap.String("from", task.CurrentType),
				zap.String("to", string(res.ClassifiedType)),
				zap.Float64("confidence", res.Confidence),
				zap.String("provider", res.ProviderUsed))
		}
	} else {
		w.log.Debug("classification below threshold, type unchanged",
			zap.String("memory_id", task.MemoryID),
			zap.Float64("confidence", res.Confidence),
			zap.Float64("threshold", w.threshold()))
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	var usage []observe.Observation
	if res.InputTokens > 0 {
		usage = append(usage, observe.Tokens("classification", "input", int(res.InputTokens)))
	}
	if res.OutputTokens > 0 {
		usage = append(usage, observe.Tokens("classification", "output", int(res.OutputTokens)))
	}
	observe.Emit(usage...)

	span.End(nil)
	w.writeSpan(span)
}

func (w *Worker) fail(span *observe.Span, task queue.Task, code string, err error) {
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()

	w.log.Error("task failed",
		zap.String("memory_id", task.MemoryID),
		zap.String("collection", task.Collection),
		zap.String("error_code", code),
		zap.Error(err))
	observe.Emit(observe.Failure("classifier", code))

	span.End(err)
	w.writeSpan(span)
}

func (w *Worker) writeSpan(span *observe.Span) {
	if !w.cfg.Tracing.Enabled {
		return
	}
	if err := span.Write(w.cfg.TraceDir()); err != nil {
		w.log.Warn("failed to buffer trace span", zap.Error(err))
	}
}

// Counts reports tasks processed and failed since start.
func (w *Worker) Counts() (processed, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.failed
}

func (w *Worker) touchHeartbeat() {
	path := w.cfg.HeartbeatFile("classifier")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if writeErr := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); writeErr != nil {
			w.log.Warn("failed to touch heartbeat", zap.Error(writeErr))
		}
	}
}

func (w *Worker) batchSize() int {
	if n := w.cfg.Classifier.BatchSize; n > 0 {
		return n
	}
	return 10
}

func (w *Worker) concurrency() int {
	if n := w.cfg.Classifier.Concurrency; n > 0 {
		return n
	}
	return 4
}

func (w *Worker) threshold() float64 {
	if t := w.cfg.Classifier.ConfidenceThreshold; t > 0 {
		return t
	}
	return 0.7
}
