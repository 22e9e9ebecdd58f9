package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunMetrics tracks metrics for one masking run
type RunMetrics struct {
	mu                sync.Mutex
	logger            *zap.Logger
	StartTime         time.Time
	EndTime           time.Time
	SuccessfulBatches int
	FailedBatches     int
	DocsProcessed     int64
	DocsSkipped       int64
	DocsFailed        int64
	FieldsMasked      int64
	PeakMemoryMB      float64
	ErrorCounts       map[ErrorCategory]int
	WorkerUtilization map[int]time.Duration
	ThroughputSamples []ThroughputSample
	sampleInterval    time.Duration
	lastSampleTime    time.Time
}

// ThroughputSample represents a point-in-time throughput measurement
type ThroughputSample struct {
	Timestamp     time.Time
	DocsPerSecond float64
	ActiveWorkers int
	MemoryUsageMB float64
}

// NewRunMetrics creates a new RunMetrics instance
func NewRunMetrics(logger *zap.Logger) *RunMetrics {
	return &RunMetrics{
		StartTime:         time.Now(),
		ErrorCounts:       make(map[ErrorCategory]int),
		WorkerUtilization: make(map[int]time.Duration),
		ThroughputSamples: make([]ThroughputSample, 0),
		sampleInterval:    time.Second * 30, // Sample throughput every 30 seconds
		lastSampleTime:    time.Now(),
		logger:            logger,
	}
}

// RecordBatch records metrics for a completed batch
func (rm *RunMetrics) RecordBatch(result BatchResult) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.DocsProcessed += result.Processed
	rm.DocsSkipped += result.Skipped
	rm.DocsFailed += result.Failed

	if result.Err == nil {
		rm.SuccessfulBatches++
	} else {
		rm.FailedBatches++
	}

	rm.WorkerUtilization[result.WorkerID] += result.Duration

	if result.PeakMemMB > rm.PeakMemoryMB {
		rm.PeakMemoryMB = result.PeakMemMB
	}

	now := time.Now()
	if now.Sub(rm.lastSampleTime) >= rm.sampleInterval {
		rm.takeThroughputSample()
		rm.lastSampleTime = now
	}

	if rm.logger != nil {
		rm.logger.Info("Batch completed",
			zap.Int64("seq", result.Seq),
			zap.Bool("success", result.Err == nil),
			zap.Int64("processed", result.Processed),
			zap.Int64("skipped", result.Skipped),
			zap.Int64("failed", result.Failed),
			zap.Duration("duration", result.Duration),
			zap.Int("worker", result.WorkerID))
	}
}

// RecordFieldsMasked adds to the masked-field counter
func (rm *RunMetrics) RecordFieldsMasked(n int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.FieldsMasked += n
}

// RecordError increments the count for a specific error category
func (rm *RunMetrics) RecordError(category ErrorCategory) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.ErrorCounts[category]++
}

// RecordPeakMemory tracks the high-water memory mark
func (rm *RunMetrics) RecordPeakMemory(memMB float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if memMB > rm.PeakMemoryMB {
		rm.PeakMemoryMB = memMB
	}
}

// takeThroughputSample records a throughput sample point
func (rm *RunMetrics) takeThroughputSample() {
	elapsedTime := time.Since(rm.StartTime).Seconds()
	if elapsedTime <= 0 {
		return
	}

	sample := ThroughputSample{
		Timestamp:     time.Now(),
		DocsPerSecond: float64(rm.DocsProcessed) / elapsedTime,
		ActiveWorkers: len(rm.WorkerUtilization),
		MemoryUsageMB: rm.PeakMemoryMB,
	}
	rm.ThroughputSamples = append(rm.ThroughputSamples, sample)
}

// Complete marks the run as complete
func (rm *RunMetrics) Complete() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.EndTime = time.Now()
	rm.takeThroughputSample()

	if rm.logger != nil {
		rm.logger.Info("Run completed",
			zap.Duration("totalDuration", rm.EndTime.Sub(rm.StartTime)),
			zap.Int("successfulBatches", rm.SuccessfulBatches),
			zap.Int("failedBatches", rm.FailedBatches),
			zap.Int64("docsProcessed", rm.DocsProcessed),
			zap.Int64("docsFailed", rm.DocsFailed),
			zap.Float64("throughput", rm.CalculateThroughput()))
	}
}

// CalculateThroughput calculates the documents/second throughput
func (rm *RunMetrics) CalculateThroughput() float64 {
	duration := rm.Duration().Seconds()
	if duration <= 0 {
		return 0
	}
	return float64(rm.DocsProcessed) / duration
}

// Duration returns the total duration of the run
func (rm *RunMetrics) Duration() time.Duration {
	if rm.EndTime.IsZero() {
		return time.Since(rm.StartTime)
	}
	return rm.EndTime.Sub(rm.StartTime)
}

// GetWorkerEfficiency calculates worker efficiency metrics
func (rm *RunMetrics) GetWorkerEfficiency() map[int]float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	efficiency := make(map[int]float64)
	totalDuration := rm.Duration()
	if totalDuration <= 0 {
		return efficiency
	}

	for workerID, duration := range rm.WorkerUtilization {
		efficiency[workerID] = float64(duration) / float64(totalDuration)
	}
	return efficiency
}

// formatDuration formats a duration to a human-readable string
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// GenerateMetricsReport creates a detailed metrics report
func (rm *RunMetrics) GenerateMetricsReport() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	endTime := rm.EndTime
	if endTime.IsZero() {
		endTime = time.Now()
	}
	totalBatches := rm.SuccessfulBatches + rm.FailedBatches

	report := fmt.Sprintf(`
Masking Run Report
==================
Duration:                %s
Start Time:              %s
End Time:                %s

Batch Summary
-------------
Total Batches:           %d
Successful Batches:      %d (%.1f%%)
Failed Batches:          %d (%.1f%%)

Document Summary
----------------
Documents Processed:     %d
Documents Skipped:       %d
Documents Failed:        %d
Fields Masked:           %d
Average Throughput:      %.2f docs/sec

Resource Usage
--------------
Peak Memory Usage:       %.1f MB
`,
		formatDuration(rm.Duration()),
		rm.StartTime.Format(time.RFC3339),
		endTime.Format(time.RFC3339),

		totalBatches,
		rm.SuccessfulBatches, getPercentage(float64(rm.SuccessfulBatches), float64(totalBatches)),
		rm.FailedBatches, getPercentage(float64(rm.FailedBatches), float64(totalBatches)),

		rm.DocsProcessed,
		rm.DocsSkipped,
		rm.DocsFailed,
		rm.FieldsMasked,
		rm.CalculateThroughput(),

		rm.PeakMemoryMB,
	)

	if len(rm.ErrorCounts) > 0 {
		report += "\nError Distribution\n------------------\n"
		totalErrors := 0
		for _, count := range rm.ErrorCounts {
			totalErrors += count
		}
		for category, count := range rm.ErrorCounts {
			report += fmt.Sprintf("- %s: %d (%.1f%%)\n",
				category.String(), count, getPercentage(float64(count), float64(totalErrors)))
		}
	}

	report += "\nWorker Utilization\n------------------\n"
	totalDuration := rm.Duration()
	for workerID, duration := range rm.WorkerUtilization {
		pct := 0.0
		if totalDuration > 0 {
			pct = float64(duration) / float64(totalDuration) * 100
		}
		report += fmt.Sprintf("- Worker %d: %.1f%% active time\n", workerID, pct)
	}

	return report
}

// getPercentage safely calculates a percentage, avoiding division by zero
func getPercentage(value, total float64) float64 {
	if total == 0 {
		return 0
	}
	return (value / total) * 100
}

// ToJSON serializes metrics to JSON
func (rm *RunMetrics) ToJSON() ([]byte, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	counts := make(map[string]int, len(rm.ErrorCounts))
	for category, count := range rm.ErrorCounts {
		counts[category.String()] = count
	}

	return json.Marshal(struct {
		Duration          string         `json:"duration"`
		SuccessfulBatches int            `json:"successfulBatches"`
		FailedBatches     int            `json:"failedBatches"`
		DocsProcessed     int64          `json:"docsProcessed"`
		DocsSkipped       int64          `json:"docsSkipped"`
		DocsFailed        int64          `json:"docsFailed"`
		FieldsMasked      int64          `json:"fieldsMasked"`
		Throughput        float64        `json:"throughput"`
		PeakMemoryMB      float64        `json:"peakMemoryMB"`
		ErrorCounts       map[string]int `json:"errorCounts"`
	}{
		Duration:          formatDuration(rm.Duration()),
		SuccessfulBatches: rm.SuccessfulBatches,
		FailedBatches:     rm.FailedBatches,
		DocsProcessed:     rm.DocsProcessed,
		DocsSkipped:       rm.DocsSkipped,
		DocsFailed:        rm.DocsFailed,
		FieldsMasked:      rm.FieldsMasked,
		Throughput:        rm.CalculateThroughput(),
		PeakMemoryMB:      rm.PeakMemoryMB,
		ErrorCounts:       counts,
	})
}
