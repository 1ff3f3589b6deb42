package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestSubmitAndShutdown(t *testing.T) {
	p := New("test", 2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if !p.Submit(func(context.Context) { count.Add(1) }) {
			t.Fatalf("Submit %d failed", i)
		}
	}
	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
	if s := p.Stats(); s.Submitted != 5 || s.Completed != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New("test", 1, 1)
	shutdown(t, p)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
	if p.Stats().Rejected != 1 {
		t.Fatal("rejected submit should be counted")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New("test", 1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-blocker
	})
	<-started
	p.Submit(func(context.Context) {})

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	shutdown(t, p)
}

func TestContextCancelledAfterShutdown(t *testing.T) {
	p := New("test", 1, 10)
	if p.Context().Err() != nil {
		t.Fatal("pool context should not be cancelled before Shutdown")
	}
	shutdown(t, p)
	if p.Context().Err() == nil {
		t.Fatal("pool context should be cancelled after Shutdown")
	}
}

func TestShutdownRespectsDeadline(t *testing.T) {
	p := New("test", 1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit(func(context.Context) { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Shutdown should have timed out in ~100ms, took %v", elapsed)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New("test", 1, 10)
	var count atomic.Int32

	p.Submit(func(context.Context) { panic("test panic") })
	p.Submit(func(context.Context) { count.Add(1) })
	shutdown(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
	if p.Stats().Panicked != 1 {
		t.Fatalf("expected one panic, got %+v", p.Stats())
	}
}
