package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
	"maskpipe/pkg/engine"
	"maskpipe/pkg/store"
)

var errBoom = errors.New("boom")

func testSizingPolicy() config.SizingPolicy {
	return config.SizingPolicy{
		InitialSize:         100,
		MinSize:             10,
		MaxSize:             1000,
		TargetBatchDuration: 30 * time.Second,
		MemoryBudgetMB:      512,
		ShrinkFactor:        0.5,
		GrowFactor:          1.25,
	}
}

func TestBatchSizer_ShrinksOnSlowBatch(t *testing.T) {
	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())
	require.Equal(t, 100, sizer.Size())

	// Three times the target duration shrinks, bounded below by MinSize.
	size := sizer.Observe(90*time.Second, 0)
	require.Equal(t, 50, size)
	size = sizer.Observe(90*time.Second, 0)
	require.Equal(t, 25, size)
	for i := 0; i < 10; i++ {
		size = sizer.Observe(90*time.Second, 0)
	}
	require.Equal(t, 10, size, "never shrinks below MinSize")
}

func TestBatchSizer_ShrinksOnMemoryBreach(t *testing.T) {
	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())
	size := sizer.Observe(time.Second, 600)
	require.Equal(t, 50, size)
}

func TestBatchSizer_GrowsWithHeadroom(t *testing.T) {
	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())

	// Well under half of both budgets grows, bounded above by MaxSize.
	size := sizer.Observe(time.Second, 10)
	require.Equal(t, 125, size)
	for i := 0; i < 20; i++ {
		size = sizer.Observe(time.Second, 10)
	}
	require.Equal(t, 1000, size, "never grows past MaxSize")
}

func TestBatchSizer_HoldsInTheMiddle(t *testing.T) {
	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())

	// Between half-budget and budget on duration: no change.
	size := sizer.Observe(20*time.Second, 10)
	require.Equal(t, 100, size)
	// Memory above half-budget also holds.
	size = sizer.Observe(time.Second, 300)
	require.Equal(t, 100, size)
}

func seedCollection(t *testing.T, n int) *store.MemoryCollection {
	t.Helper()
	coll := store.NewMemoryCollection("patients", "_id")
	for i := 0; i < n; i++ {
		err := coll.Seed(store.Document{
			"_id":  fmt.Sprintf("p-%04d", i),
			"Name": "Jane",
		})
		require.NoError(t, err)
	}
	return coll
}

func TestScheduler_EmitsOrderedBatchesWithAnchors(t *testing.T) {
	coll := seedCollection(t, 25)

	policy := testSizingPolicy()
	policy.InitialSize = 10
	sizer := engine.NewBatchSizer(policy, zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop())

	out := make(chan engine.Batch, 10)
	stop := make(chan struct{})
	emitted, err := sched.Run(context.Background(), out, stop, "", 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), emitted)

	var batches []engine.Batch
	for b := range out {
		batches = append(batches, b)
	}
	require.Len(t, batches, 3)
	require.Equal(t, int64(0), batches[0].Seq)
	require.Len(t, batches[0].Docs, 10)
	require.Equal(t, "p-0009", batches[0].Anchor)
	require.Equal(t, "p-0019", batches[1].Anchor)
	require.Len(t, batches[2].Docs, 5)
	require.Equal(t, "p-0024", batches[2].Anchor)
}

func TestScheduler_ResumesAfterAnchor(t *testing.T) {
	coll := seedCollection(t, 20)

	policy := testSizingPolicy()
	policy.InitialSize = 10
	sizer := engine.NewBatchSizer(policy, zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop())

	out := make(chan engine.Batch, 10)
	emitted, err := sched.Run(context.Background(), out, make(chan struct{}), "p-0009", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), emitted)

	batch := <-out
	require.Len(t, batch.Docs, 10)
	pk, err := store.PrimaryKey(batch.Docs[0], "_id")
	require.NoError(t, err)
	require.Equal(t, "p-0010", pk)
}

func TestScheduler_StopHaltsEmission(t *testing.T) {
	coll := seedCollection(t, 100)

	policy := testSizingPolicy()
	policy.InitialSize = 10
	sizer := engine.NewBatchSizer(policy, zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop())

	out := make(chan engine.Batch) // unbuffered: scheduler blocks on send
	stop := make(chan struct{})

	done := make(chan struct{})
	var emitted int64
	go func() {
		defer close(done)
		emitted, _ = sched.Run(context.Background(), out, stop, "", 0)
	}()

	<-out // let one batch through
	close(stop)
	<-done
	require.LessOrEqual(t, emitted, int64(2))
}

func TestScheduler_PropagatesScanErrors(t *testing.T) {
	coll := seedCollection(t, 10)
	coll.ScanHook = func(afterAnchor string, limit int) error {
		return &store.ConnError{Op: "scan", Err: errBoom}
	}

	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop())

	out := make(chan engine.Batch, 1)
	_, err := sched.Run(context.Background(), out, make(chan struct{}), "", 0)
	require.Error(t, err)
	require.True(t, store.IsConnError(err))
}

func TestScheduler_RetriesTransientScanErrors(t *testing.T) {
	coll := seedCollection(t, 25)

	// Fail the first scan only; the retry sees a healthy connection.
	calls := 0
	coll.ScanHook = func(afterAnchor string, limit int) error {
		calls++
		if calls == 1 {
			return &store.ConnError{Op: "scan", Err: errBoom}
		}
		return nil
	}

	policy := testSizingPolicy()
	policy.InitialSize = 10
	sizer := engine.NewBatchSizer(policy, zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop()).
		WithRetry(3, time.Millisecond)

	out := make(chan engine.Batch, 10)
	emitted, err := sched.Run(context.Background(), out, make(chan struct{}), "", 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), emitted)
	require.Equal(t, 5, calls, "one failure, three full scans, one empty tail scan")
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	coll := seedCollection(t, 10)
	coll.ScanHook = func(afterAnchor string, limit int) error {
		return &store.ConnError{Op: "scan", Err: errBoom}
	}

	sizer := engine.NewBatchSizer(testSizingPolicy(), zap.NewNop())
	sched := engine.NewScheduler(coll, sizer, nil, "_id", zap.NewNop()).
		WithRetry(2, time.Millisecond)

	out := make(chan engine.Batch, 1)
	_, err := sched.Run(context.Background(), out, make(chan struct{}), "", 0)
	require.Error(t, err)
	require.True(t, store.IsConnError(err))
}
