package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maskpipe/pkg/engine"
)

func TestCommitTracker_InOrderCompletion(t *testing.T) {
	tracker := engine.NewCommitTracker(0)

	ready := tracker.Complete(engine.BatchResult{Seq: 0, Anchor: "a"})
	require.Len(t, ready, 1)
	require.Equal(t, "a", ready[0].Anchor)

	ready = tracker.Complete(engine.BatchResult{Seq: 1, Anchor: "b"})
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].Anchor)

	require.Equal(t, int64(2), tracker.Next())
}

func TestCommitTracker_OutOfOrderHoldsPrefix(t *testing.T) {
	tracker := engine.NewCommitTracker(0)

	// Batches 2 and 1 finish before 0: nothing may commit yet.
	require.Empty(t, tracker.Complete(engine.BatchResult{Seq: 2, Anchor: "c"}))
	require.Empty(t, tracker.Complete(engine.BatchResult{Seq: 1, Anchor: "b"}))
	require.Equal(t, []int64{1, 2}, tracker.Pending())

	// Batch 0 closes the gap and releases all three in order.
	ready := tracker.Complete(engine.BatchResult{Seq: 0, Anchor: "a"})
	require.Len(t, ready, 3)
	require.Equal(t, "a", ready[0].Anchor)
	require.Equal(t, "b", ready[1].Anchor)
	require.Equal(t, "c", ready[2].Anchor)
	require.Empty(t, tracker.Pending())
}

func TestCommitTracker_FailedBatchStillAdvances(t *testing.T) {
	tracker := engine.NewCommitTracker(0)

	ready := tracker.Complete(engine.BatchResult{Seq: 0, Anchor: "a", Err: errBoom})
	require.Len(t, ready, 1)
	require.Error(t, ready[0].Err)
	require.Equal(t, int64(1), tracker.Next())
}

func TestCommitTracker_NonZeroStart(t *testing.T) {
	tracker := engine.NewCommitTracker(5)
	require.Empty(t, tracker.Complete(engine.BatchResult{Seq: 6}))
	ready := tracker.Complete(engine.BatchResult{Seq: 5})
	require.Len(t, ready, 2)
}
