package engine

import (
	"sort"
	"sync"
	"time"

	"maskpipe/pkg/store"
)

// Batch is a contiguous slice of the source scan. Seq numbers are assigned
// in scan order starting at 0; Anchor is the highest primary key in the
// batch and becomes the checkpoint anchor once every earlier batch has also
// finished.
type Batch struct {
	Seq    int64
	Docs   []store.Document
	Anchor string
}

// BatchResult reports the outcome of one processed batch. Err is non-nil
// when the batch exhausted its write retries; its documents count as failed
// but the run carries on.
type BatchResult struct {
	Seq       int64
	Anchor    string
	Processed int64
	Skipped   int64
	Failed    int64
	Duration  time.Duration
	PeakMemMB float64
	WorkerID  int
	Err       error
}

// CommitTracker serializes out-of-order batch completions into checkpoint
// advances. Workers finish batches in any order, but the checkpoint anchor
// may only move over a contiguous prefix: committing batch k before batch
// k-1 finished would lose k-1's documents on resume.
type CommitTracker struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]BatchResult
}

// NewCommitTracker starts tracking at the given sequence number (0 for a
// fresh run, the next unprocessed batch for a resumed one).
func NewCommitTracker(startSeq int64) *CommitTracker {
	return &CommitTracker{
		next:    startSeq,
		pending: make(map[int64]BatchResult),
	}
}

// Complete records a finished batch and returns the results that are now
// part of the contiguous completed prefix, in sequence order. The caller
// commits a checkpoint after each returned result; an empty slice means the
// prefix has a gap and nothing can be committed yet.
func (t *CommitTracker) Complete(res BatchResult) []BatchResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[res.Seq] = res

	var ready []BatchResult
	for {
		next, ok := t.pending[t.next]
		if !ok {
			break
		}
		delete(t.pending, t.next)
		ready = append(ready, next)
		t.next++
	}
	return ready
}

// Pending returns the sequence numbers completed but not yet committable,
// in ascending order. Used when pausing to report how much in-flight work
// will be reprocessed on resume.
func (t *CommitTracker) Pending() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seqs := make([]int64, 0, len(t.pending))
	for seq := range t.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Next returns the lowest uncommitted sequence number.
func (t *CommitTracker) Next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}
