package delivery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_UnderLimitDoesNotBlock(t *testing.T) {
	l := NewLimiter(2)
	l.RecordSuccess("", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestLimiter_GlobalBlocksUntilWindowEnds(t *testing.T) {
	const window = 300 * time.Millisecond
	l := NewLimiter(2, WithWindow(window))
	l.RecordSuccess("a", 0)
	l.RecordSuccess("b", 0)

	start := time.Now()
	if err := l.Acquire(context.Background(), "c", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if waited := time.Since(start); waited < window/2 {
		t.Fatalf("acquire returned after %v; expected to wait for the window", waited)
	}
	if s := l.Snapshot(); s.GlobalCount != 0 {
		t.Fatalf("counters not reset at boundary: %+v", s)
	}
}

func TestLimiter_PerTracker(t *testing.T) {
	l := NewLimiter(100, WithWindow(10*time.Second))
	l.RecordSuccess("a", 1)
	l.RecordSuccess("free", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "a", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("tracker at limit: err=%v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := l.Acquire(ctx2, "b", 1); err != nil {
		t.Fatalf("other tracker: %v", err)
	}
	if err := l.Acquire(ctx2, "a", 0); err != nil {
		t.Fatalf("no per-tracker limit: %v", err)
	}

	snap := l.Snapshot()
	if snap.GlobalCount != 2 || snap.PerTracker["a"] != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if _, ok := snap.PerTracker["free"]; ok {
		t.Fatalf("trackers without a limit must not be counted: %+v", snap.PerTracker)
	}
}

func TestLimiter_ResetWakesWaiter(t *testing.T) {
	l := NewLimiter(1, WithWindow(time.Hour))
	l.RecordSuccess("", 0)

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), "", 0) }()

	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l.Reset()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Reset did not wake the waiter")
	}
}

func TestLimiter_SetGlobalLimit(t *testing.T) {
	l := NewLimiter(0, WithWindow(time.Hour))
	if got := l.Snapshot().GlobalLimit; got != 1 {
		t.Fatalf("limit below 1 should clamp to 1, got %d", got)
	}
	l.RecordSuccess("", 0)

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), "", 0) }()
	time.Sleep(20 * time.Millisecond)
	l.SetGlobalLimit(5)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("raising the limit did not release the waiter")
	}
}
