package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateBoundsConcurrency(t *testing.T) {
	const limit = 4
	g := NewGate(limit)

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer g.Release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", p, limit)
	}
	if n := g.InFlight(); n != 0 {
		t.Errorf("in-flight after drain: got %d, want 0", n)
	}
}

func TestGateReduceAndRestore(t *testing.T) {
	g := NewGate(8)

	if got := g.Reduce(); got != 4 {
		t.Errorf("Reduce: got %d, want 4", got)
	}
	if got := g.Reduce(); got != 2 {
		t.Errorf("Reduce: got %d, want 2", got)
	}
	g.Reduce()
	if got := g.Reduce(); got != 1 {
		t.Errorf("Reduce floor: got %d, want 1", got)
	}

	if got := g.Restore(); got != 2 {
		t.Errorf("Restore: got %d, want 2", got)
	}
	for i := 0; i < 20; i++ {
		g.Restore()
	}
	if got := g.Limit(); got != 8 {
		t.Errorf("Restore must cap at max: got %d, want 8", got)
	}
}

func TestGateReducedLimitAdmitsFewer(t *testing.T) {
	g := NewGate(4)
	ctx := context.Background()

	// Fill to the reduced limit.
	g.Reduce() // limit 2
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if n := g.InFlight(); n != 2 {
		t.Errorf("in-flight: got %d, want 2", n)
	}

	// Third acquisition must block until a release.
	admitted := make(chan struct{})
	go func() {
		if err := g.Acquire(ctx); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("acquire beyond reduced limit must block")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("acquire must proceed after release")
	}
}

func TestGateAcquireCancelled(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire must return")
	}
}

func TestMonitorStepAdjustsGate(t *testing.T) {
	g := NewGate(8)
	m := NewMonitor(g, time.Second, 1000, 500)

	var reclaimed atomic.Int64
	m.reclaim = func() { reclaimed.Add(1) }

	// Above high water: halve and reclaim.
	m.sample = func() uint64 { return 2000 }
	m.step()
	if got := g.Limit(); got != 4 {
		t.Errorf("limit after pressure: got %d, want 4", got)
	}
	if reclaimed.Load() != 1 {
		t.Errorf("expected a reclamation pass")
	}
	m.step()
	if got := g.Limit(); got != 2 {
		t.Errorf("limit after repeated pressure: got %d, want 2", got)
	}

	// Between the marks: hold steady.
	m.sample = func() uint64 { return 700 }
	m.step()
	if got := g.Limit(); got != 2 {
		t.Errorf("limit must hold between water marks: got %d", got)
	}

	// Below low water: restore one step per pass.
	m.sample = func() uint64 { return 100 }
	m.step()
	if got := g.Limit(); got != 3 {
		t.Errorf("limit after recovery: got %d, want 3", got)
	}
	if m.Reductions() != 2 || m.Restores() != 1 {
		t.Errorf("counters: reductions=%d restores=%d", m.Reductions(), m.Restores())
	}
}
