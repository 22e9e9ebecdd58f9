package engine

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
	"maskpipe/pkg/mask"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
)

// RunContext is the explicit handle threaded through every component of a
// run. Collaborators are fixed at construction; the only mutable state is
// the cooperative stop signal and the commit callback. Nothing in the engine
// reads globals.
type RunContext struct {
	RunID       string
	Config      *config.RunConfig
	RuleSet     *rules.RuleSet
	Source      store.Collection
	Dest        store.Collection
	Checkpoints store.CheckpointStore
	Transformer *mask.Transformer
	Errors      *ErrorHandler
	Metrics     *RunMetrics
	Logger      *zap.Logger

	// OnCount fires once the source has been counted, before processing.
	// OnCommit fires after each checkpoint advance with cumulative
	// processed and failed counts. The CLI hangs a progress bar off them.
	OnCount  func(total int64)
	OnCommit func(processed, failed int64)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRunContext assembles a run handle. An empty runID gets a fresh UUID;
// resumed runs pass the original ID so the checkpoint row matches.
func NewRunContext(runID string, cfg *config.RunConfig, rs *rules.RuleSet,
	source, dest store.Collection, checkpoints store.CheckpointStore,
	transformer *mask.Transformer, logger *zap.Logger) *RunContext {

	if runID == "" {
		runID = uuid.NewString()
	}

	runLogger := logger.With(
		zap.String("runID", runID),
		zap.String("collection", cfg.Collection))

	return &RunContext{
		RunID:       runID,
		Config:      cfg,
		RuleSet:     rs,
		Source:      source,
		Dest:        dest,
		Checkpoints: checkpoints,
		Transformer: transformer,
		Errors:      NewErrorHandler(runLogger.Named("errors"), cfg.Concurrency.MaxRetries),
		Metrics:     NewRunMetrics(runLogger.Named("metrics")),
		Logger:      runLogger,
		stop:        make(chan struct{}),
	}
}

// Stop requests a cooperative pause: the scheduler emits no further batches,
// in-flight batches run to completion, and the checkpoint is persisted with
// status paused. Safe to call more than once.
func (rc *RunContext) Stop() {
	rc.stopOnce.Do(func() { close(rc.stop) })
}

// StopRequested reports whether Stop has been called.
func (rc *RunContext) StopRequested() bool {
	select {
	case <-rc.stop:
		return true
	default:
		return false
	}
}

// Done exposes the stop channel for select loops.
func (rc *RunContext) Done() <-chan struct{} {
	return rc.stop
}
