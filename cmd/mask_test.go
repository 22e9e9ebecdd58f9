package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"maskpipe/pkg/engine"
)

func TestReportSummary_RecordsExitCodeWithoutExiting(t *testing.T) {
	t.Cleanup(func() { exitCode = 0 })

	// A paused run returns nil so deferred cleanup in RunE still executes;
	// the nonzero status is carried to Execute through exitCode.
	paused := &engine.RunSummary{
		RunID:      "run-1",
		Collection: "patients",
		State:      engine.StatePaused,
		Processed:  20,
	}
	require.NoError(t, reportSummary(paused, nil))
	require.Equal(t, 2, exitCode)

	completed := &engine.RunSummary{
		RunID:      "run-1",
		Collection: "patients",
		State:      engine.StateCompleted,
		Processed:  20,
	}
	require.NoError(t, reportSummary(completed, nil))
	require.Zero(t, exitCode)
}

func TestReportSummary_NilSummaryReturnsRunError(t *testing.T) {
	t.Cleanup(func() { exitCode = 0 })

	cause := errors.New("connect: refused")
	require.ErrorIs(t, reportSummary(nil, cause), cause)
	require.Zero(t, exitCode)
}
