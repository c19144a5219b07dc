package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueueRunsInOrder(t *testing.T) {
	q := NewSerialQueue("order")

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		q.Async(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Close()

	if len(got) != 100 {
		t.Fatalf("Expected 100 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected task %d at position %d, got %d", i, i, v)
		}
	}
}

func TestSerialQueueReentrantAsync(t *testing.T) {
	q := NewSerialQueue("reentrant")
	defer q.Close()

	done := make(chan struct{})
	q.Async(func() {
		// Enqueueing onto the running queue must not block.
		q.Async(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected nested task to run")
	}
}

func TestSerialQueueDropsAfterClose(t *testing.T) {
	q := NewSerialQueue("closed")
	q.Close()

	ran := make(chan struct{}, 1)
	q.Async(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Error("Expected task submitted after Close to be dropped")
	case <-time.After(50 * time.Millisecond):
	}

	// Close is idempotent.
	q.Close()
}

func TestQueueNames(t *testing.T) {
	tests := []struct {
		name  string
		queue Queue
		want  string
	}{
		{name: "serial", queue: NewSerialQueue("s"), want: "s"},
		{name: "goroutine", queue: NewGoroutineQueue("g"), want: "g"},
		{name: "default", queue: DefaultQueue(), want: "main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.queue.Name(); got != tt.want {
				t.Errorf("Expected name %q, got %q", tt.want, got)
			}
		})
	}

	if DefaultQueue() != DefaultQueue() {
		t.Error("Expected DefaultQueue to return a single instance")
	}
}
