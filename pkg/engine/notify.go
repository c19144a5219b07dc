package engine

import (
	"sync"
)

// NotificationName identifies an engine notification.
type NotificationName string

const (
	// WillExecuteCommand is posted right before a command's Execute is called.
	WillExecuteCommand NotificationName = "engine.will_execute_command"

	// EngineEnded is posted once per run after it finished, was cancelled
	// or failed.
	EngineEnded NotificationName = "engine.ended"

	// EngineStarted is posted once per run from Run.
	EngineStarted NotificationName = "engine.started"

	// Jumped is posted when a control-flow command moves the instruction
	// pointer to a resolved label.
	Jumped NotificationName = "engine.jumped"

	// LabelUnresolved is posted when a jump target cannot be found.
	LabelUnresolved NotificationName = "engine.label_unresolved"

	// DuplicateCompletion is posted when a command calls its completion
	// more than once.
	DuplicateCompletion NotificationName = "engine.duplicate_completion"
)

// Notification is an observable engine event. Engine is the subject.
type Notification struct {
	Name   NotificationName
	Engine *Engine

	// Index and Command identify the command involved. Index is -1 for
	// run-level notifications.
	Index   int
	Command Command

	// Label and Target are set for Jumped and LabelUnresolved.
	Label  string
	Target int
}

// Observer receives notifications synchronously on the posting goroutine.
type Observer func(n Notification)

// NotificationCenter fans notifications out to observers.
type NotificationCenter struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
	order     []int
}

// NewNotificationCenter creates an empty center.
func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{
		observers: make(map[int]Observer),
	}
}

var (
	defaultCenterOnce sync.Once
	defaultCenter     *NotificationCenter
)

// DefaultNotifications returns the process-wide notification center.
func DefaultNotifications() *NotificationCenter {
	defaultCenterOnce.Do(func() {
		defaultCenter = NewNotificationCenter()
	})
	return defaultCenter
}

// Subscribe registers fn and returns a function that removes it.
func (c *NotificationCenter) Subscribe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.order = append(c.order, id)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.observers[id]; !ok {
			return
		}
		delete(c.observers, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// Post delivers n to every observer in subscription order.
func (c *NotificationCenter) Post(n Notification) {
	if c == nil {
		return
	}

	c.mu.RLock()
	observers := make([]Observer, 0, len(c.order))
	for _, id := range c.order {
		observers = append(observers, c.observers[id])
	}
	c.mu.RUnlock()

	for _, fn := range observers {
		fn(n)
	}
}
