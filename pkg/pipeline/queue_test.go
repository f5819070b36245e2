package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestKey(t *testing.T) {
	if got := Key("p1", 1); got != "p1@1" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("p1", 2.5); got != "p1@2.5" {
		t.Errorf("Key = %q", got)
	}
}

func TestSubmitCoalescesDuplicates(t *testing.T) {
	q := NewQueue(zap.NewNop())
	release := make(chan struct{})
	var runs atomic.Int32

	started := q.Submit("p1@1", func(ctx context.Context) {
		runs.Add(1)
		<-release
	})
	if !started {
		t.Fatal("first submission should start")
	}
	// Wait for the task to be registered as in flight.
	deadline := time.After(time.Second)
	for !q.InFlight("p1@1") {
		select {
		case <-deadline:
			t.Fatal("task never became in-flight")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if q.Submit("p1@1", func(ctx context.Context) { runs.Add(1) }) {
		t.Error("duplicate submission must coalesce")
	}
	// A different version is a different key.
	done := make(chan struct{})
	if !q.Submit("p1@2", func(ctx context.Context) { close(done) }) {
		t.Error("different key should start")
	}
	<-done

	close(release)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestCancelSignalsTask(t *testing.T) {
	q := NewQueue(zap.NewNop())
	cancelled := make(chan struct{})

	q.Submit("p1@1", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	for !q.InFlight("p1@1") {
		time.Sleep(time.Millisecond)
	}
	q.Cancel("p1@1")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}

func TestShutdownDrains(t *testing.T) {
	q := NewQueue(zap.NewNop())
	var finished atomic.Bool

	q.Submit("p1@1", func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})
	for !q.InFlight("p1@1") {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("task should have run to completion during drain")
	}
}
