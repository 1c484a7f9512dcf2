package metrics

import (
	"context"
	"testing"
	"time"
)

type fakeCounter struct{ n int }

func (f fakeCounter) Count() int { return f.n }

func TestRunStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		Run(ctx, fakeCounter{n: 0}, &EventCounter{}, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestEventCounterDrainResetsToZero(t *testing.T) {
	var c EventCounter
	c.Increment()
	c.Increment()
	c.Increment()

	if got := c.drain(); got != 3 {
		t.Fatalf("drain() = %d, want 3", got)
	}
	if got := c.drain(); got != 0 {
		t.Fatalf("second drain() = %d, want 0", got)
	}
}
