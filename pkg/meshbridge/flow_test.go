package meshbridge

import (
	"context"
	"testing"
	"time"
)

func acquireBlocks(f *QueueFlowController) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	return f.Acquire(ctx) != nil
}

func TestFlowSerialModeBeforeFirstReport(t *testing.T) {
	f := NewQueueFlowController()

	if err := f.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !acquireBlocks(f) {
		t.Fatal("second acquire admitted while one is in flight")
	}

	f.Resolve()
	if err := f.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after resolve: %v", err)
	}
}

func TestFlowCreditsFromQueueReport(t *testing.T) {
	f := NewQueueFlowController()
	f.Observe(3, 8)

	for i := 0; i < 3; i++ {
		if err := f.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if !acquireBlocks(f) {
		t.Fatal("fourth acquire admitted with three credits")
	}

	// Resolution alone does not return a credit; only the device's own
	// report does.
	f.Resolve()
	if !acquireBlocks(f) {
		t.Fatal("resolve handed out a credit without a device report")
	}

	f.Observe(2, 8)
	if err := f.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after report: %v", err)
	}
}

func TestFlowReportWakesWaiter(t *testing.T) {
	f := NewQueueFlowController()
	f.Observe(0, 8)

	done := make(chan error, 1)
	go func() {
		done <- f.Acquire(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	f.Observe(1, 8)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("report did not wake the waiter")
	}
}

func TestFlowAcquireHonorsContext(t *testing.T) {
	f := NewQueueFlowController()
	f.Observe(0, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Acquire(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire ignored cancellation")
	}
}

func TestFlowInFlightCount(t *testing.T) {
	f := NewQueueFlowController()
	f.Observe(5, 8)

	_ = f.Acquire(context.Background())
	_ = f.Acquire(context.Background())
	if n := f.InFlight(); n != 2 {
		t.Fatalf("in flight = %d, want 2", n)
	}
	f.Resolve()
	if n := f.InFlight(); n != 1 {
		t.Fatalf("in flight = %d, want 1", n)
	}
}
