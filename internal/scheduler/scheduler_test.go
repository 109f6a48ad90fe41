package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_ExecutesAllUnitsAndCollectsResults(t *testing.T) {
	s := New(3, 0)
	var completed int32
	units := make([]Unit, 10)
	for i := range units {
		units[i] = func(ctx context.Context) error {
			atomic.AddInt32(&completed, 1)
			return nil
		}
	}

	results := s.Run(context.Background(), units)
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result[%d] err = %v", i, r.Err)
		}
		if r.Index != i {
			t.Errorf("result[%d].Index = %d", i, r.Index)
		}
	}
	if completed != 10 {
		t.Errorf("got %d completions, want 10", completed)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	s := New(2, 0)
	var current, maxSeen int32
	units := make([]Unit, 8)
	for i := range units {
		units[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		}
	}

	s.Run(context.Background(), units)
	if maxSeen > 2 {
		t.Errorf("observed concurrency %d, want <= 2", maxSeen)
	}
}

func TestRun_PropagatesUnitErrors(t *testing.T) {
	s := New(1, 0)
	boom := errors.New("boom")
	units := []Unit{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
	}

	results := s.Run(context.Background(), units)
	if results[0].Err != nil {
		t.Errorf("results[0].Err = %v, want nil", results[0].Err)
	}
	if results[1].Err != boom {
		t.Errorf("results[1].Err = %v, want %v", results[1].Err, boom)
	}
}

func TestRun_CancelledContextSkipsUndispatchedUnits(t *testing.T) {
	s := New(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	units := []Unit{
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil },
	}
	results := s.Run(ctx, units)
	if results[0].Err == nil {
		t.Error("expected cancellation error for a unit dispatched after cancel")
	}
	if ran != 0 {
		t.Error("expected the unit to never run once the context was already cancelled")
	}
}

func TestRun_PacesDispatchesByRequestDelay(t *testing.T) {
	delay := 20 * time.Millisecond
	s := New(4, delay)
	units := make([]Unit, 3)
	for i := range units {
		units[i] = func(ctx context.Context) error { return nil }
	}

	start := time.Now()
	s.Run(context.Background(), units)
	elapsed := time.Since(start)
	// 3 units at one per `delay` should take at least 2 delays to dispatch.
	if elapsed < 2*delay {
		t.Errorf("elapsed %v, want at least %v", elapsed, 2*delay)
	}
}
