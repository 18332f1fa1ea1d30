package memory

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Monitor samples process heap usage at a fixed interval while a scan is
// active. Crossing the high-water mark halves the Gate's ceiling and requests
// a reclamation pass; dropping below the low-water mark restores the ceiling
// one step at a time. Purely advisory — it never aborts work.
type Monitor struct {
	gate      *Gate
	interval  time.Duration
	highWater uint64
	lowWater  uint64

	// sample is swappable for tests; defaults to heapInUse.
	sample func() uint64
	// reclaim is swappable for tests; defaults to debug.FreeOSMemory.
	reclaim func()

	reductions atomic.Int64
	restores   atomic.Int64
}

// NewMonitor creates a Monitor driving gate. Water marks are in bytes.
func NewMonitor(gate *Gate, interval time.Duration, highWater, lowWater uint64) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		gate:      gate,
		interval:  interval,
		highWater: highWater,
		lowWater:  lowWater,
		sample:    heapInUse,
		reclaim:   debug.FreeOSMemory,
	}
}

// Reductions returns how many times the ceiling was lowered.
func (m *Monitor) Reductions() int64 { return m.reductions.Load() }

// Restores returns how many times the ceiling was raised.
func (m *Monitor) Restores() int64 { return m.restores.Load() }

// Run samples until ctx is done. Call it in its own goroutine for the
// duration of a scan.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.step()
		}
	}
}

// step performs one sample-and-adjust pass.
func (m *Monitor) step() {
	used := m.sample()
	switch {
	case used >= m.highWater:
		newLimit := m.gate.Reduce()
		m.reductions.Add(1)
		slog.Warn("memory pressure: reducing scan concurrency",
			"heap_bytes", used, "high_water", m.highWater, "new_limit", newLimit)
		m.reclaim()
	case used <= m.lowWater && m.gate.Limit() < m.gate.Max():
		newLimit := m.gate.Restore()
		m.restores.Add(1)
		slog.Info("memory recovered: restoring scan concurrency",
			"heap_bytes", used, "low_water", m.lowWater, "new_limit", newLimit)
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
