package scan

import (
	"sync/atomic"

	"github.com/eargollo/radscan/internal/report"
)

// Progress holds live counters updated by the scan stages.
// All fields are atomic so they can be written from worker goroutines and
// read from the HTTP handler without locks.
type Progress struct {
	CollectionsTotal   atomic.Int64
	CollectionsScanned atomic.Int64
	CollectionsCached  atomic.Int64
	CollectionsFailed  atomic.Int64

	PatientsChecked  atomic.Int64 // directly probed
	PatientsInferred atomic.Int64 // resolved by the early-exit policy
	PatientsFailed   atomic.Int64 // probe failed after retries

	ReportsFound  atomic.Int64
	NetworkProbes atomic.Int64
	CacheHits     atomic.Int64
	CacheMisses   atomic.Int64
	Errors        atomic.Int64
}

// Reporter fans ProgressEvents out to an observer without ever blocking the
// scan. When the buffer is full the oldest event is dropped — progress
// feedback is best-effort and carries no scan state.
type Reporter struct {
	ch      chan report.ProgressEvent
	dropped atomic.Int64
}

// NewReporter creates a Reporter with the given buffer size (minimum 1).
func NewReporter(buf int) *Reporter {
	if buf < 1 {
		buf = 1
	}
	return &Reporter{ch: make(chan report.ProgressEvent, buf)}
}

// Publish enqueues ev, dropping the oldest buffered event if the consumer
// has fallen behind. Never blocks.
func (r *Reporter) Publish(ev report.ProgressEvent) {
	select {
	case r.ch <- ev:
		return
	default:
	}
	// Buffer full: make room by discarding the oldest event, then retry once.
	select {
	case <-r.ch:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Events returns the stream consumed by a renderer. The channel is never
// closed; consumers should also select on their context.
func (r *Reporter) Events() <-chan report.ProgressEvent { return r.ch }

// Dropped returns how many events were discarded because the consumer fell
// behind.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }
