package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ResourceSnapshot is a point-in-time view of process resource usage. It is
// immutable: readers get whole snapshots, never fields of a struct being
// rewritten.
type ResourceSnapshot struct {
	Timestamp  time.Time
	HeapMB     float64
	SysMB      float64
	Goroutines int
	NumGC      uint32
}

// Monitor samples runtime memory statistics on a fixed interval and
// publishes the latest snapshot behind an atomic pointer. The scheduler
// reads snapshots to inform batch sizing; nothing else writes.
type Monitor struct {
	interval time.Duration
	logger   *zap.Logger
	current  atomic.Pointer[ResourceSnapshot]
	peakHeap atomic.Uint64 // MB, truncated
	done     chan struct{}
	stopped  chan struct{}
}

// NewMonitor creates a monitor sampling at the given interval.
func NewMonitor(interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		interval: interval,
		logger:   logger.Named("monitor"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sampling goroutine. It takes one sample immediately so
// Snapshot never returns nil after Start.
func (m *Monitor) Start() {
	m.sample()
	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop terminates sampling and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.done)
	<-m.stopped
}

// Snapshot returns the most recent sample, or nil before Start.
func (m *Monitor) Snapshot() *ResourceSnapshot {
	return m.current.Load()
}

// PeakHeapMB returns the highest heap usage observed so far.
func (m *Monitor) PeakHeapMB() float64 {
	return float64(m.peakHeap.Load())
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := &ResourceSnapshot{
		Timestamp:  time.Now(),
		HeapMB:     float64(ms.HeapAlloc) / (1024 * 1024),
		SysMB:      float64(ms.Sys) / (1024 * 1024),
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
	}
	m.current.Store(snap)

	heapMB := uint64(snap.HeapMB)
	for {
		peak := m.peakHeap.Load()
		if heapMB <= peak || m.peakHeap.CompareAndSwap(peak, heapMB) {
			break
		}
	}

	m.logger.Debug("Resource sample",
		zap.Float64("heapMB", snap.HeapMB),
		zap.Float64("sysMB", snap.SysMB),
		zap.Int("goroutines", snap.Goroutines))
}
