package engine

import (
	"sync"
)

// Queue is an execution context. Async schedules fn to run later; it never
// runs fn inline on the caller's stack.
type Queue interface {
	Async(fn func())
	Name() string
}

// SerialQueue runs tasks one at a time, in submission order, on a single
// worker goroutine. The backlog is unbounded so a task may enqueue onto its
// own queue without blocking.
type SerialQueue struct {
	name string

	mu      sync.Mutex
	tasks   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewSerialQueue creates a serial queue and starts its worker.
func NewSerialQueue(name string) *SerialQueue {
	q := &SerialQueue{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Name implements Queue.
func (q *SerialQueue) Name() string {
	return q.name
}

// Async implements Queue. Tasks submitted after Close are dropped.
func (q *SerialQueue) Async(fn func()) {
	if fn == nil {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting tasks. Tasks already queued still run. Close returns
// once the worker has drained the backlog, so it must not be called from a
// task running on q.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}

func (q *SerialQueue) loop() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// GoroutineQueue runs every task on its own goroutine.
type GoroutineQueue struct {
	name string
}

// NewGoroutineQueue creates a concurrent queue.
func NewGoroutineQueue(name string) *GoroutineQueue {
	return &GoroutineQueue{name: name}
}

// Name implements Queue.
func (q *GoroutineQueue) Name() string {
	return q.name
}

// Async implements Queue.
func (q *GoroutineQueue) Async(fn func()) {
	if fn == nil {
		return
	}
	go fn()
}

var (
	defaultQueueOnce sync.Once
	defaultQueue     *SerialQueue
)

// DefaultQueue returns the process-wide serial queue.
func DefaultQueue() Queue {
	defaultQueueOnce.Do(func() {
		defaultQueue = NewSerialQueue("main")
	})
	return defaultQueue
}
