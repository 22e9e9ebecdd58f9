package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"maskpipe/pkg/config"
	"maskpipe/pkg/store"
)

// BatchSizer adapts the batch size between configured bounds. After each
// batch the scheduler reports elapsed time and peak memory; breaching either
// budget shrinks the next batch, comfortable headroom on both grows it.
type BatchSizer struct {
	mu     sync.Mutex
	policy config.SizingPolicy
	size   int
	logger *zap.Logger
}

// NewBatchSizer starts at the policy's initial size.
func NewBatchSizer(policy config.SizingPolicy, logger *zap.Logger) *BatchSizer {
	return &BatchSizer{
		policy: policy,
		size:   policy.InitialSize,
		logger: logger.Named("sizer"),
	}
}

// Size returns the batch size the next scan should request.
func (s *BatchSizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Observe feeds one batch's elapsed duration and peak memory back into the
// sizer. Either budget breached shrinks the size by ShrinkFactor; both
// metrics at or under half their budgets grows it by GrowFactor. Results
// clamp to [MinSize, MaxSize].
func (s *BatchSizer) Observe(elapsed time.Duration, peakMemMB float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.size
	budgetMB := float64(s.policy.MemoryBudgetMB)

	switch {
	case elapsed > s.policy.TargetBatchDuration || peakMemMB > budgetMB:
		s.size = int(float64(s.size) * s.policy.ShrinkFactor)
		if s.size < s.policy.MinSize {
			s.size = s.policy.MinSize
		}
	case elapsed <= s.policy.TargetBatchDuration/2 && peakMemMB <= budgetMB/2:
		s.size = int(float64(s.size) * s.policy.GrowFactor)
		if s.size > s.policy.MaxSize {
			s.size = s.policy.MaxSize
		}
	}

	if s.size != prev {
		s.logger.Debug("Adjusted batch size",
			zap.Int("from", prev),
			zap.Int("to", s.size),
			zap.Duration("elapsed", elapsed),
			zap.Float64("peakMemMB", peakMemMB))
	}
	return s.size
}

// Scheduler is the single owner of the source scan cursor. It reads batches
// in ascending primary-key order and emits them into a bounded channel; the
// channel capacity is the backpressure limit on in-flight work.
type Scheduler struct {
	source       store.Collection
	sizer        *BatchSizer
	monitor      *Monitor
	keyField     string
	logger       *zap.Logger
	maxRetries   int
	retryBackoff time.Duration
}

// NewScheduler wires the scan cursor to a sizer and an optional monitor.
func NewScheduler(source store.Collection, sizer *BatchSizer, monitor *Monitor, keyField string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		source:   source,
		sizer:    sizer,
		monitor:  monitor,
		keyField: keyField,
		logger:   logger.Named("scheduler"),
	}
}

// WithRetry retries scans that fail with a connection error, up to
// maxRetries times with exponential backoff starting at backoff. Other scan
// errors still fail immediately.
func (s *Scheduler) WithRetry(maxRetries int, backoff time.Duration) *Scheduler {
	s.maxRetries = maxRetries
	s.retryBackoff = backoff
	return s
}

// Run scans from afterAnchor to the end of the collection, sending batches
// numbered from startSeq on out. It closes out when the scan is exhausted,
// the context is cancelled, or stop is closed (cooperative pause: no new
// batches, in-flight ones finish elsewhere). The first return value is the
// number of batches emitted.
func (s *Scheduler) Run(ctx context.Context, out chan<- Batch, stop <-chan struct{}, afterAnchor string, startSeq int64) (int64, error) {
	defer close(out)

	anchor := afterAnchor
	seq := startSeq
	emitted := int64(0)

	for {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case <-stop:
			s.logger.Info("Stop requested, scan halted",
				zap.Int64("batchesEmitted", emitted),
				zap.String("anchor", anchor))
			return emitted, nil
		default:
		}

		size := s.sizer.Size()
		if s.monitor != nil {
			// Heap pressure above the budget shrinks before the next
			// scan even if the last batch itself was within budget.
			if snap := s.monitor.Snapshot(); snap != nil && snap.HeapMB > float64(s.sizer.policy.MemoryBudgetMB) {
				size = s.sizer.Observe(0, snap.HeapMB)
			}
		}

		docs, err := s.scan(ctx, stop, anchor, size)
		if err != nil {
			return emitted, err
		}
		if len(docs) == 0 {
			return emitted, nil
		}

		last, err := store.PrimaryKey(docs[len(docs)-1], s.keyField)
		if err != nil {
			return emitted, err
		}

		batch := Batch{Seq: seq, Docs: docs, Anchor: last}
		select {
		case out <- batch:
		case <-ctx.Done():
			return emitted, ctx.Err()
		case <-stop:
			s.logger.Info("Stop requested, dropping unsent batch",
				zap.Int64("seq", seq))
			return emitted, nil
		}

		anchor = last
		seq++
		emitted++
	}
}

// scan reads one batch, retrying transient connection errors up to the
// configured budget. A stop during backoff returns an empty batch so the run
// can pause at the last committed anchor instead of failing.
func (s *Scheduler) scan(ctx context.Context, stop <-chan struct{}, anchor string, size int) ([]store.Document, error) {
	backoff := s.retryBackoff
	for attempt := 0; ; attempt++ {
		docs, err := s.source.Scan(ctx, anchor, size)
		if err == nil {
			return docs, nil
		}
		if !store.IsConnError(err) || attempt >= s.maxRetries {
			return nil, err
		}

		s.logger.Warn("Scan failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("maxRetries", s.maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stop:
			return nil, nil
		}
		backoff *= 2
	}
}
