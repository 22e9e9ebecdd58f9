package engine

import (
	"fmt"
	"time"

	"maskpipe/pkg/verify"
)

// RunSummary is the final operator-facing result of a run.
type RunSummary struct {
	RunID         string
	Collection    string
	State         State
	DryRun        bool
	Total         int64
	Processed     int64
	Failed        int64
	Duration      time.Duration
	Throughput    float64
	FailureReason string
	VerifyReport  *verify.Report
	Metrics       *RunMetrics
}

// StatusLine renders the one-line outcome. A run that finished but skipped
// or failed some documents reports "Completed with N failures" so operators
// never mistake it for a clean run.
func (s *RunSummary) StatusLine() string {
	switch s.State {
	case StateCompleted:
		if s.DryRun {
			return fmt.Sprintf("Dry run: %d documents in %q would be masked", s.Total, s.Collection)
		}
		if s.Failed > 0 {
			return fmt.Sprintf("Completed with %d failures", s.Failed)
		}
		if s.VerifyReport != nil && !s.VerifyReport.Clean() {
			return fmt.Sprintf("Completed with %d verification mismatches", s.VerifyReport.Mismatches)
		}
		return "Completed"
	case StatePaused:
		return fmt.Sprintf("Paused after %d documents (resume with --resume)", s.Processed)
	case StateFailed:
		return fmt.Sprintf("Failed: %s", s.FailureReason)
	default:
		return string(s.State)
	}
}

// ExitCode maps the outcome to a process exit code. Recorded batch failures
// and verification mismatches do not fail the process; they are reported in
// the status line instead.
func (s *RunSummary) ExitCode() int {
	switch s.State {
	case StateCompleted:
		return 0
	case StatePaused:
		return 2
	default:
		return 1
	}
}

// Report renders the full metrics report plus verification details.
func (s *RunSummary) Report() string {
	out := fmt.Sprintf("Run %s on collection %q: %s\n", s.RunID, s.Collection, s.StatusLine())
	if s.Metrics != nil {
		out += s.Metrics.GenerateMetricsReport()
	}
	if s.VerifyReport != nil {
		out += "\nVerification\n------------\n" + s.VerifyReport.Summary()
	}
	return out
}
