package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
	"maskpipe/pkg/engine"
	"maskpipe/pkg/mask"
	"maskpipe/pkg/rules"
	"maskpipe/pkg/store"
	"maskpipe/pkg/verify"
)

const testRules = `{"rules":[
	{"field": "Name", "rule": "random_uppercase"},
	{"field": "Email", "rule": "fixed_email", "params": "masked@example.com"},
	{"field": "Dob", "rule": "add_milliseconds", "params": 63158400000}
]}`

type fixture struct {
	cfg         *config.RunConfig
	source      *store.MemoryCollection
	dest        *store.MemoryCollection
	checkpoints *store.MemoryCheckpointStore
	ruleSet     *rules.RuleSet
	transformer *mask.Transformer
}

func newFixture(t *testing.T, docs int, mode config.Mode) *fixture {
	t.Helper()

	source := store.NewMemoryCollection("patients", "_id")
	for i := 0; i < docs; i++ {
		require.NoError(t, source.Seed(store.Document{
			"_id":   fmt.Sprintf("p-%04d", i),
			"Name":  "Jane",
			"Email": fmt.Sprintf("jane%d@real-hospital.org", i),
			"Dob":   "2000-01-01T00:00:00Z",
		}))
	}

	dest := source
	if mode == config.ModeCrossDestination {
		dest = store.NewMemoryCollection("patients", "_id")
	}

	rs, err := rules.Parse([]byte(testRules))
	require.NoError(t, err)
	transformer, err := mask.NewTransformer(rs, mask.WithSeed(1))
	require.NoError(t, err)

	// Fixed batch size keeps batch boundaries predictable; adaptive
	// sizing has its own tests.
	sizing := testSizingPolicy()
	sizing.InitialSize = 10
	sizing.MinSize = 5
	sizing.GrowFactor = 1.0

	return &fixture{
		cfg: &config.RunConfig{
			RuleFile:   "rules.json",
			SourceEnv:  "test",
			DestEnv:    "test",
			Collection: "patients",
			Mode:       mode,
			KeyField:   "_id",
			Sizing:     sizing,
			Concurrency: config.ConcurrencyPolicy{
				MaxWorkers:   3,
				MaxRetries:   2,
				RetryBackoff: time.Millisecond,
				MaxInFlight:  4,
			},
		},
		source:      source,
		dest:        dest,
		checkpoints: store.NewMemoryCheckpointStore(),
		ruleSet:     rs,
		transformer: transformer,
	}
}

func (f *fixture) runContext(runID string) *engine.RunContext {
	return engine.NewRunContext(runID, f.cfg, f.ruleSet,
		f.source, f.dest, f.checkpoints, f.transformer, zap.NewNop())
}

func TestOrchestrator_InSituRunCompletes(t *testing.T) {
	f := newFixture(t, 47, config.ModeInSitu)
	rc := f.runContext("run-1")
	orch := engine.NewOrchestrator(rc, nil)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StateCompleted, summary.State)
	require.Equal(t, int64(47), summary.Processed)
	require.Zero(t, summary.Failed)
	require.Equal(t, "Completed", summary.StatusLine())
	require.Zero(t, summary.ExitCode())

	// Every document was masked in place.
	for _, pk := range f.source.Keys() {
		doc := f.source.Get(pk)
		require.Equal(t, "masked@example.com", doc["Email"])
		require.NotEqual(t, "Jane", doc["Name"])
		require.Equal(t, "2002-01-01T00:00:00Z", doc["Dob"])
	}

	cp, err := f.checkpoints.Load(context.Background(), "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, cp.Status)
	require.Equal(t, int64(47), cp.Processed)
	require.Equal(t, "p-0046", cp.LastAnchor)
}

func TestOrchestrator_CrossDestinationCopiesIndexes(t *testing.T) {
	f := newFixture(t, 20, config.ModeCrossDestination)
	require.NoError(t, f.source.EnsureIndexes(context.Background(), []store.Index{
		{Name: "idx_email", Fields: []string{"Email"}},
	}))

	rc := f.runContext("run-1")
	orch := engine.NewOrchestrator(rc, nil)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20), summary.Processed)

	// Source stays unmasked; destination holds the masked copies.
	require.Equal(t, "Jane", f.source.Get("p-0000")["Name"])
	require.Equal(t, "masked@example.com", f.dest.Get("p-0000")["Email"])

	indexes, err := f.dest.Indexes(context.Background())
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	require.Equal(t, "idx_email", indexes[0].Name)
}

func TestOrchestrator_PauseThenResumeProcessesEachDocumentOnce(t *testing.T) {
	const total = 100
	f := newFixture(t, total, config.ModeCrossDestination)

	// A single worker and a one-deep channel bound how many batches can
	// be in flight past the stop point, so the first run cannot drain
	// the whole collection before pausing.
	f.cfg.Concurrency.MaxWorkers = 1
	f.cfg.Concurrency.MaxInFlight = 1

	// First run: stop cooperatively after the second checkpoint commit.
	rc1 := f.runContext("run-1")
	commits := 0
	rc1.OnCommit = func(processed, failed int64) {
		commits++
		if commits == 2 {
			rc1.Stop()
		}
	}

	summary1, err := engine.NewOrchestrator(rc1, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatePaused, summary1.State)
	require.Equal(t, 2, summary1.ExitCode())
	require.Greater(t, summary1.Processed, int64(0))
	require.Less(t, summary1.Processed, int64(total))

	cp, err := f.checkpoints.Load(context.Background(), "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, cp.Status)
	require.NotEmpty(t, cp.LastAnchor)

	// Second run resumes from the checkpoint and covers exactly the rest.
	f.cfg.Resume = true
	rc2 := f.runContext("run-1")
	summary2, err := engine.NewOrchestrator(rc2, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StateCompleted, summary2.State)
	require.Equal(t, int64(total), summary2.Processed,
		"cumulative count picks up where the paused run left off")

	// No document lost, none masked twice: destination covers the full
	// key set with valid masked values.
	require.Len(t, f.dest.Keys(), total)
	for _, pk := range f.dest.Keys() {
		require.Equal(t, "masked@example.com", f.dest.Get(pk)["Email"])
	}
}

func TestOrchestrator_BatchWriteFailureIsRecordedNotFatal(t *testing.T) {
	f := newFixture(t, 30, config.ModeCrossDestination)

	// One batch's writes always fail, exhausting retries; siblings
	// continue.
	fails := 0
	f.dest.WriteHook = func(op string, docs []store.Document) error {
		pk, _ := store.PrimaryKey(docs[0], "_id")
		if pk == "p-0010" {
			fails++
			return &store.WriteError{Op: op, Count: len(docs), Err: errBoom}
		}
		return nil
	}

	rc := f.runContext("run-1")
	summary, err := engine.NewOrchestrator(rc, nil).Run(context.Background())
	require.NoError(t, err, "batch failures do not fail the run")
	require.Equal(t, engine.StateCompleted, summary.State)
	require.Equal(t, int64(10), summary.Failed)
	require.Equal(t, int64(20), summary.Processed)
	require.Equal(t, "Completed with 10 failures", summary.StatusLine())
	require.Zero(t, summary.ExitCode())
	require.Equal(t, 3, fails, "initial attempt plus two retries")

	// The failed batch's documents are absent; the others made it.
	require.Nil(t, f.dest.Get("p-0010"))
	require.NotNil(t, f.dest.Get("p-0000"))
	require.NotNil(t, f.dest.Get("p-0020"))
}

func TestOrchestrator_ConnectionLossDuringWriteFailsRun(t *testing.T) {
	f := newFixture(t, 30, config.ModeCrossDestination)

	// Unlike a write rejection, a dead connection aborts the run once the
	// retry budget is spent.
	f.dest.WriteHook = func(op string, docs []store.Document) error {
		pk, _ := store.PrimaryKey(docs[0], "_id")
		if pk == "p-0010" {
			return &store.ConnError{Op: op, Err: errBoom}
		}
		return nil
	}

	rc := f.runContext("run-1")
	summary, err := engine.NewOrchestrator(rc, nil).Run(context.Background())
	require.Error(t, err)
	require.True(t, store.IsConnError(err))
	require.Equal(t, engine.StateFailed, summary.State)
	require.Equal(t, 1, summary.ExitCode())
}

func TestOrchestrator_ConnectionFailureFailsRun(t *testing.T) {
	f := newFixture(t, 10, config.ModeCrossDestination)
	f.source.ScanHook = func(afterAnchor string, limit int) error {
		return &store.ConnError{Op: "scan", Err: errBoom}
	}

	rc := f.runContext("run-1")
	summary, err := engine.NewOrchestrator(rc, nil).Run(context.Background())
	require.Error(t, err)
	require.Equal(t, engine.StateFailed, summary.State)
	require.Equal(t, 1, summary.ExitCode())
	require.Contains(t, summary.StatusLine(), "Failed")

	// The run never committed a batch, but the failure is still on record.
	cp, err := f.checkpoints.Load(context.Background(), "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, cp.Status)
	require.Zero(t, cp.Processed)
}

func TestOrchestrator_StopBeforeFirstCommitStillCheckpoints(t *testing.T) {
	f := newFixture(t, 50, config.ModeCrossDestination)

	rc := f.runContext("run-1")
	rc.OnCount = func(total int64) {
		rc.Stop()
	}

	summary, err := engine.NewOrchestrator(rc, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StatePaused, summary.State)

	// Stopping before any batch commits still leaves a resumable row.
	cp, err := f.checkpoints.Load(context.Background(), "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, cp.Status)
	require.Zero(t, cp.Processed)
	require.Empty(t, cp.LastAnchor)
}

func TestOrchestrator_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t, 15, config.ModeCrossDestination)
	f.cfg.DryRun = true

	rc := f.runContext("run-1")
	summary, err := engine.NewOrchestrator(rc, nil).Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, int64(15), summary.Total)
	require.Empty(t, f.dest.Keys())
	require.Contains(t, summary.StatusLine(), "Dry run")
}

func TestOrchestrator_VerificationRunsWhenConfigured(t *testing.T) {
	f := newFixture(t, 25, config.ModeCrossDestination)
	f.cfg.VerifySampleSize = 25

	rc := f.runContext("run-1")
	verifier := verify.NewVerifier("_id", zap.NewNop())
	summary, err := engine.NewOrchestrator(rc, verifier).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, engine.StateCompleted, summary.State)
	require.NotNil(t, summary.VerifyReport)
	require.True(t, summary.VerifyReport.Clean())
	require.Equal(t, 25, summary.VerifyReport.Sampled)
}
