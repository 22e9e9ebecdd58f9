package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"maskpipe/pkg/config"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
	"maskpipe/pkg/verify"
)

// State identifies where the orchestrator is in a run's lifecycle.
type State string

const (
	StateInit       State = "init"
	StateConnecting State = "connecting"
	StateCounting   State = "counting"
	StateResuming   State = "resuming"
	StateStarting   State = "starting"
	StateProcessing State = "processing"
	StateFinalizing State = "finalizing"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StatePaused     State = "paused"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePaused || s == StateFailed
}

// DocVerifier runs the post-run verification pass. The concrete
// implementation lives in pkg/verify; tests substitute fakes.
type DocVerifier interface {
	Verify(ctx context.Context, src, dst store.Collection, rs *rules.RuleSet, sampleSize int) (*verify.Report, error)
}

// Orchestrator drives one masking run through its state machine. It is the
// only writer of checkpoints: workers report results, the commit tracker
// orders them, and the orchestrator persists each contiguous advance.
type Orchestrator struct {
	rc       *RunContext
	verifier DocVerifier
	logger   *zap.Logger

	stateLock sync.RWMutex
	state     State

	total      int64
	processed  int64
	failed     int64
	lastAnchor string
}

// NewOrchestrator creates an orchestrator for the run. verifier may be nil
// when verification is disabled.
func NewOrchestrator(rc *RunContext, verifier DocVerifier) *Orchestrator {
	return &Orchestrator{
		rc:       rc,
		verifier: verifier,
		logger:   rc.Logger.Named("orchestrator"),
		state:    StateInit,
	}
}

// GetState returns the current lifecycle state.
func (o *Orchestrator) GetState() State {
	o.stateLock.RLock()
	defer o.stateLock.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.stateLock.Lock()
	prev := o.state
	o.state = state
	o.stateLock.Unlock()

	if prev != state {
		o.logger.Info("Run state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
	}
}

// Run executes the whole lifecycle and returns a summary. The returned error
// is non-nil only when the run failed; a paused run or a completed run with
// recorded batch failures returns a summary and a nil error.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	cfg := o.rc.Config

	o.setState(StateConnecting)
	if err := o.connect(ctx); err != nil {
		return o.fail(ctx, err)
	}

	o.setState(StateCounting)
	total, err := o.rc.Source.Count(ctx)
	if err != nil {
		return o.fail(ctx, &store.ConnError{Op: "count source", Err: err})
	}
	o.total = total
	o.logger.Info("Counted source documents", zap.Int64("total", total))
	if o.rc.OnCount != nil {
		o.rc.OnCount(total)
	}

	anchor, err := o.prepareCursor(ctx)
	if err != nil {
		return o.fail(ctx, err)
	}

	if cfg.DryRun {
		return o.dryRunSummary(), nil
	}

	// Persist a checkpoint before the first batch so an interruption at any
	// point leaves a row to mark as paused or failed.
	if err := o.rc.Checkpoints.Save(ctx, o.checkpoint(anchor, store.StatusRunning)); err != nil {
		return o.fail(ctx, fmt.Errorf("save initial checkpoint: %w", err))
	}

	o.setState(StateProcessing)
	if err := o.process(ctx, anchor); err != nil {
		return o.fail(ctx, err)
	}

	if o.rc.StopRequested() {
		return o.pause(ctx)
	}

	o.setState(StateFinalizing)
	if err := o.finalize(ctx); err != nil {
		return o.fail(ctx, err)
	}

	var report *verify.Report
	if o.verifier != nil && cfg.VerifySampleSize > 0 {
		o.setState(StateVerifying)
		report, err = o.verifier.Verify(ctx, o.rc.Source, o.rc.Dest, o.rc.RuleSet, cfg.VerifySampleSize)
		if err != nil {
			return o.fail(ctx, fmt.Errorf("verification: %w", err))
		}
		if !report.Clean() {
			o.rc.Metrics.RecordError(ErrorCategoryVerification)
			o.rc.Errors.RecordError(NewErrorRecord(
				fmt.Errorf("%d mismatches in %d sampled documents", report.Mismatches, report.Sampled),
				ErrorCategoryVerification).WithCollection(cfg.Collection))
		}
	}

	o.setState(StateCompleted)
	o.rc.Metrics.Complete()

	cp := o.checkpoint(o.lastAnchor, store.StatusCompleted)
	if err := o.rc.Checkpoints.Save(ctx, cp); err != nil {
		o.logger.Warn("Failed to persist final checkpoint", zap.Error(err))
	}

	return o.summary(StateCompleted, report, nil), nil
}

// connect validates both ends before anything is written.
func (o *Orchestrator) connect(ctx context.Context) error {
	if err := o.rc.Source.Validate(ctx); err != nil {
		return fmt.Errorf("validate source: %w", err)
	}
	if o.rc.Dest != o.rc.Source {
		if err := o.rc.Dest.Validate(ctx); err != nil {
			return fmt.Errorf("validate destination: %w", err)
		}
	}
	return nil
}

// prepareCursor decides between a fresh start and a resume, restoring the
// saved anchor and counters when a resumable checkpoint exists.
func (o *Orchestrator) prepareCursor(ctx context.Context) (string, error) {
	cfg := o.rc.Config

	if !cfg.Resume {
		o.setState(StateStarting)
		if err := o.rc.Checkpoints.Clear(ctx, o.rc.RunID, cfg.Collection); err != nil {
			return "", err
		}
		return "", nil
	}

	cp, err := o.rc.Checkpoints.Load(ctx, o.rc.RunID, cfg.Collection)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		o.logger.Info("No checkpoint found, starting fresh")
		o.setState(StateStarting)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if cp.Status == store.StatusCompleted {
		o.logger.Info("Checkpoint already completed, starting fresh")
		o.setState(StateStarting)
		if err := o.rc.Checkpoints.Clear(ctx, o.rc.RunID, cfg.Collection); err != nil {
			return "", err
		}
		return "", nil
	}

	o.setState(StateResuming)
	o.processed = cp.Processed
	o.failed = cp.Failed
	o.lastAnchor = cp.LastAnchor
	o.logger.Info("Resuming from checkpoint",
		zap.String("anchor", cp.LastAnchor),
		zap.Int64("processed", cp.Processed),
		zap.Int64("failed", cp.Failed))
	return cp.LastAnchor, nil
}

// process runs the scheduler, the worker pool, and the commit loop until the
// scan is exhausted or a stop is requested.
func (o *Orchestrator) process(ctx context.Context, anchor string) error {
	cfg := o.rc.Config

	monitor := NewMonitor(time.Second, o.rc.Logger)
	monitor.Start()
	defer func() {
		monitor.Stop()
		o.rc.Metrics.RecordPeakMemory(monitor.PeakHeapMB())
	}()

	sizer := NewBatchSizer(cfg.Sizing, o.rc.Logger)
	scheduler := NewScheduler(o.rc.Source, sizer, monitor, cfg.KeyField, o.rc.Logger).
		WithRetry(cfg.Concurrency.MaxRetries, cfg.Concurrency.RetryBackoff)
	pool := NewPool(o.rc)
	tracker := NewCommitTracker(0)

	batches := make(chan Batch, cfg.Concurrency.MaxInFlight)
	results := make(chan BatchResult, cfg.Concurrency.MaxInFlight)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := scheduler.Run(gctx, batches, o.rc.Done(), anchor, 0)
		return err
	})
	g.Go(func() error {
		return pool.Run(gctx, batches, results)
	})

	// Single checkpoint writer: results arrive in completion order, the
	// tracker releases them in sequence order, and each release commits.
	var commitErr error
	for res := range results {
		o.rc.Metrics.RecordBatch(res)
		sizer.Observe(res.Duration, res.PeakMemMB)

		for _, ready := range tracker.Complete(res) {
			o.processed += ready.Processed
			o.failed += ready.Failed + ready.Skipped
			o.lastAnchor = ready.Anchor

			cp := o.checkpoint(ready.Anchor, store.StatusRunning)
			if err := o.rc.Checkpoints.Save(ctx, cp); err != nil && commitErr == nil {
				commitErr = fmt.Errorf("save checkpoint: %w", err)
				o.rc.Stop()
			}
			if o.rc.OnCommit != nil {
				o.rc.OnCommit(o.processed, o.failed)
			}
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return commitErr
}

// finalize copies secondary indexes to the destination in cross-destination
// mode. In-situ runs already carry their indexes.
func (o *Orchestrator) finalize(ctx context.Context) error {
	if o.rc.Config.Mode != config.ModeCrossDestination {
		return nil
	}

	indexes, err := o.rc.Source.Indexes(ctx)
	if err != nil {
		return fmt.Errorf("list source indexes: %w", err)
	}
	if len(indexes) == 0 {
		return nil
	}

	o.logger.Info("Copying indexes to destination", zap.Int("count", len(indexes)))
	if err := o.rc.Dest.EnsureIndexes(ctx, indexes); err != nil {
		return fmt.Errorf("ensure destination indexes: %w", err)
	}
	return nil
}

// pause persists a resumable checkpoint and returns a paused summary.
func (o *Orchestrator) pause(ctx context.Context) (*RunSummary, error) {
	o.setState(StatePaused)
	o.rc.Metrics.Complete()

	// The last committed checkpoint already has the right anchor; rewrite
	// it with paused status so a later run knows it can resume.
	cp, err := o.rc.Checkpoints.Load(ctx, o.rc.RunID, o.rc.Config.Collection)
	if err == nil {
		cp.Status = store.StatusPaused
		if saveErr := o.rc.Checkpoints.Save(ctx, cp); saveErr != nil {
			o.logger.Warn("Failed to persist paused checkpoint", zap.Error(saveErr))
		}
	} else if !errors.Is(err, store.ErrCheckpointNotFound) {
		o.logger.Warn("Failed to load checkpoint while pausing", zap.Error(err))
	}

	o.logger.Info("Run paused",
		zap.Int64("processed", o.processed),
		zap.Int64("failed", o.failed))
	return o.summary(StatePaused, nil, nil), nil
}

// fail records the failure, persists a failed checkpoint, and returns both
// the summary and the error.
func (o *Orchestrator) fail(ctx context.Context, cause error) (*RunSummary, error) {
	o.setState(StateFailed)
	o.rc.Metrics.Complete()

	category := o.rc.Errors.CategorizeError(cause)
	o.rc.Errors.RecordError(NewErrorRecord(cause, category).
		WithCollection(o.rc.Config.Collection))
	o.rc.Metrics.RecordError(category)

	cp, err := o.rc.Checkpoints.Load(ctx, o.rc.RunID, o.rc.Config.Collection)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		cp, err = o.checkpoint(o.lastAnchor, store.StatusFailed), nil
	}
	if err == nil {
		cp.Status = store.StatusFailed
		if saveErr := o.rc.Checkpoints.Save(ctx, cp); saveErr != nil {
			o.logger.Warn("Failed to persist failed checkpoint", zap.Error(saveErr))
		}
	}

	o.logger.Error("Run failed", zap.Error(cause))
	return o.summary(StateFailed, nil, cause), cause
}

// checkpoint builds the full checkpoint record for the current counters.
func (o *Orchestrator) checkpoint(anchor string, status store.RunStatus) *store.Checkpoint {
	return &store.Checkpoint{
		RunID:      o.rc.RunID,
		Collection: o.rc.Config.Collection,
		LastAnchor: anchor,
		Processed:  o.processed,
		Failed:     o.failed,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
}

func (o *Orchestrator) dryRunSummary() *RunSummary {
	o.setState(StateCompleted)
	o.rc.Metrics.Complete()
	s := o.summary(StateCompleted, nil, nil)
	s.DryRun = true
	return s
}

func (o *Orchestrator) summary(state State, report *verify.Report, cause error) *RunSummary {
	s := &RunSummary{
		RunID:        o.rc.RunID,
		Collection:   o.rc.Config.Collection,
		State:        state,
		Total:        o.total,
		Processed:    o.processed,
		Failed:       o.failed,
		Duration:     o.rc.Metrics.Duration(),
		Throughput:   o.rc.Metrics.CalculateThroughput(),
		VerifyReport: report,
		Metrics:      o.rc.Metrics,
	}
	if cause != nil {
		s.FailureReason = cause.Error()
	}
	return s
}
