package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"maskpipe/pkg/config"
	"maskpipe/pkg/store"
)

// WorkerState represents the current state of a worker
type WorkerState string

const (
	WorkerStateIdle      WorkerState = "idle"
	WorkerStateWorking   WorkerState = "working"
	WorkerStateCompleted WorkerState = "completed"
)

// Worker consumes batches, masks each document, and writes the batch to the
// destination. Document-level transform failures skip that document; batch
// write failures retry with exponential backoff and, once retries are
// exhausted, mark the whole batch failed while siblings continue.
type Worker struct {
	ID        int
	rc        *RunContext
	logger    *zap.Logger
	state     WorkerState
	stateLock sync.RWMutex
}

// NewWorker creates a new worker bound to a run.
func NewWorker(id int, rc *RunContext) *Worker {
	return &Worker{
		ID:     id,
		rc:     rc,
		logger: rc.Logger.Named("worker").With(zap.Int("workerID", id)),
		state:  WorkerStateIdle,
	}
}

// GetState returns the current state of the worker
func (w *Worker) GetState() WorkerState {
	w.stateLock.RLock()
	defer w.stateLock.RUnlock()
	return w.state
}

func (w *Worker) setState(state WorkerState) {
	w.stateLock.Lock()
	defer w.stateLock.Unlock()

	prevState := w.state
	w.state = state

	if prevState != state {
		w.logger.Debug("Worker state changed",
			zap.String("from", string(prevState)),
			zap.String("to", string(state)))
	}
}

// Run consumes batches until the channel closes or the context is
// cancelled. Results go to out in completion order; the orchestrator's
// commit tracker reorders them.
func (w *Worker) Run(ctx context.Context, batches <-chan Batch, out chan<- BatchResult) error {
	for batch := range batches {
		w.setState(WorkerStateWorking)
		result := w.processBatch(ctx, batch)
		w.setState(WorkerStateIdle)

		select {
		case out <- result:
		case <-ctx.Done():
			return ctx.Err()
		}
		// A write failure that is really a lost connection fails the run,
		// not just the batch; the retry budget was already spent.
		if result.Err != nil && store.IsConnError(result.Err) {
			return result.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	w.setState(WorkerStateCompleted)
	return nil
}

// processBatch masks every document in the batch and persists it. The
// returned result always carries the batch's Seq and Anchor so the commit
// tracker can advance past it, even on failure.
func (w *Worker) processBatch(ctx context.Context, batch Batch) BatchResult {
	start := time.Now()
	result := BatchResult{
		Seq:      batch.Seq,
		Anchor:   batch.Anchor,
		WorkerID: w.ID,
	}

	masked := make([]store.Document, 0, len(batch.Docs))
	var fieldsMasked int64

	for _, doc := range batch.Docs {
		if _, err := store.PrimaryKey(doc, w.rc.Config.KeyField); err != nil {
			record := NewErrorRecord(err, ErrorCategoryTransform).
				WithCollection(w.rc.Config.Collection).
				WithBatch(batch.Seq)
			w.rc.Errors.HandleError(record)
			w.rc.Metrics.RecordError(ErrorCategoryTransform)
			result.Skipped++
			continue
		}

		out, applied := w.rc.Transformer.Transform(doc)
		fieldsMasked += int64(applied)
		masked = append(masked, out)
	}

	if err := w.writeBatch(ctx, batch.Seq, masked); err != nil {
		result.Failed = int64(len(masked)) + result.Skipped
		result.Skipped = 0
		result.Err = err
	} else {
		result.Processed = int64(len(masked))
		w.rc.Metrics.RecordFieldsMasked(fieldsMasked)
	}

	result.Duration = time.Since(start)
	result.PeakMemMB = currentHeapMB()

	policy := w.rc.Config.Concurrency
	if policy.WorkerMemoryMB > 0 && policy.MaxWorkers > 0 {
		if share := result.PeakMemMB / float64(policy.MaxWorkers); share > float64(policy.WorkerMemoryMB) {
			w.logger.Warn("Per-worker memory share above cap",
				zap.Int64("batch", batch.Seq),
				zap.Float64("shareMB", share),
				zap.Int("capMB", policy.WorkerMemoryMB))
		}
	}
	return result
}

// writeBatch persists masked documents with retries. In-situ runs upsert
// back into the source; cross-destination runs insert into the destination.
// Fixed-op masking is idempotent, so retrying a partially applied write is
// safe in both modes.
func (w *Worker) writeBatch(ctx context.Context, seq int64, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	write := w.rc.Dest.Insert
	if w.rc.Config.Mode == config.ModeInSitu {
		write = w.rc.Dest.Upsert
	}

	backoff := w.rc.Config.Concurrency.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= w.rc.Config.Concurrency.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		lastErr = write(ctx, docs)
		if lastErr == nil {
			return nil
		}

		category := w.rc.Errors.CategorizeError(lastErr)
		record := NewErrorRecord(lastErr, category).
			WithCollection(w.rc.Config.Collection).
			WithBatch(seq).
			WithRetry(attempt, w.rc.Config.Concurrency.MaxRetries)
		w.rc.Metrics.RecordError(category)

		switch w.rc.Errors.HandleError(record) {
		case ActionRetry:
			continue
		default:
			return lastErr
		}
	}
	return lastErr
}

// Pool runs MaxWorkers workers over a shared batch channel and fans results
// into a single output channel.
type Pool struct {
	rc      *RunContext
	workers []*Worker
	logger  *zap.Logger
}

// NewPool builds the worker set from the run's concurrency policy.
func NewPool(rc *RunContext) *Pool {
	n := rc.Config.Concurrency.MaxWorkers
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWorker(i, rc)
	}
	return &Pool{
		rc:      rc,
		workers: workers,
		logger:  rc.Logger.Named("pool"),
	}
}

// Run blocks until every worker drains the batch channel, then closes out.
func (p *Pool) Run(ctx context.Context, batches <-chan Batch, out chan<- BatchResult) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range p.workers {
		worker := worker
		g.Go(func() error {
			return worker.Run(gctx, batches, out)
		})
	}

	err := g.Wait()
	close(out)
	return err
}

func currentHeapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}
