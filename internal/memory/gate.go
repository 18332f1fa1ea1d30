// Package memory provides advisory backpressure for the scan engine: a Gate
// bounding in-flight probe work under a runtime-adjustable ceiling, and a
// Monitor that lowers the ceiling when process memory crosses a high-water
// mark and restores it once usage falls back.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate admits at most Limit() concurrent holders. The limit is read through
// an atomic so the Monitor can change it while acquisitions are in flight;
// holders admitted under an older, higher limit simply drain naturally.
//
// The wait protocol mirrors a condition-variable queue: Acquire blocks while
// the gate is full, Release and limit changes wake waiters.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int

	limit atomic.Int64
	max   int64
}

// NewGate creates a Gate with the given initial (and maximum) ceiling.
// A non-positive max is treated as 1.
func NewGate(max int) *Gate {
	if max < 1 {
		max = 1
	}
	g := &Gate{max: int64(max)}
	g.cond = sync.NewCond(&g.mu)
	g.limit.Store(int64(max))
	return g
}

// Limit returns the current concurrency ceiling.
func (g *Gate) Limit() int { return int(g.limit.Load()) }

// Max returns the configured maximum ceiling.
func (g *Gate) Max() int { return int(g.max) }

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	// Wake waiters when the context is cancelled so cond.Wait can observe it.
	stop := context.AfterFunc(ctx, g.cond.Broadcast)
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for int64(g.inFlight) >= g.limit.Load() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.inFlight++
	return nil
}

// Release frees a slot previously obtained by Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Reduce halves the ceiling, never going below 1, and returns the new value.
func (g *Gate) Reduce() int {
	for {
		cur := g.limit.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if g.limit.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// Restore raises the ceiling by one step toward the configured maximum and
// returns the new value.
func (g *Gate) Restore() int {
	for {
		cur := g.limit.Load()
		next := cur + 1
		if next > g.max {
			next = g.max
		}
		if g.limit.CompareAndSwap(cur, next) {
			if next > cur {
				g.cond.Broadcast()
			}
			return int(next)
		}
	}
}
