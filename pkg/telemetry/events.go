package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted while scripts run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id,omitempty"`

	// ParentRunID is set for runs started by a run command.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// Script is the script name of the run.
	Script string `json:"script,omitempty"`

	// Index is the command index, or -1 for run-level events.
	Index int `json:"index"`

	// Kind is the command kind, if applicable.
	Kind string `json:"kind,omitempty"`

	// Label is the label involved in a jump, if applicable.
	Label string `json:"label,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// EventType constants for sequencer event types.
const (
	EventTypeRunStarted          = "run.started"
	EventTypeCommandWillExecute  = "command.will_execute"
	EventTypeJumped              = "jumped"
	EventTypeLabelUnresolved     = "label.unresolved"
	EventTypeDuplicateCompletion = "completion.duplicate"
	EventTypeRunSucceeded        = "run.succeeded"
	EventTypeRunCancelled        = "run.cancelled"
	EventTypeRunFailed           = "run.failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. With async
// publishing enabled, events are batched by one goroutine and delivered to
// subscribers in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	flushReq    chan chan struct{}
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:   cfg,
		flushReq: make(chan chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, parentID, script string, commands int) error {
	return ep.Publish(Event{
		Type:        EventTypeRunStarted,
		Source:      "engine",
		RunID:       runID,
		ParentRunID: parentID,
		Script:      script,
		Index:       -1,
		Message:     fmt.Sprintf("Run %s of %s started", runID, script),
		Level:       EventLevelInfo,
		Data: map[string]any{
			"commands": commands,
		},
	})
}

// PublishCommand publishes a command will-execute event.
func (ep *EventPublisher) PublishCommand(runID, script string, index int, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandWillExecute,
		Source:  "engine",
		RunID:   runID,
		Script:  script,
		Index:   index,
		Kind:    kind,
		Message: fmt.Sprintf("Executing %s at %d", kind, index),
		Level:   EventLevelInfo,
	})
}

// PublishJumped publishes a jump event.
func (ep *EventPublisher) PublishJumped(runID string, from, target int, kind, label string) error {
	return ep.Publish(Event{
		Type:    EventTypeJumped,
		Source:  "engine",
		RunID:   runID,
		Index:   from,
		Kind:    kind,
		Label:   label,
		Message: fmt.Sprintf("Jumped from %d to %d", from, target),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"target": target,
		},
	})
}

// PublishLabelUnresolved publishes an unresolved label event.
func (ep *EventPublisher) PublishLabelUnresolved(runID string, index int, kind, label string) error {
	return ep.Publish(Event{
		Type:    EventTypeLabelUnresolved,
		Source:  "engine",
		RunID:   runID,
		Index:   index,
		Kind:    kind,
		Label:   label,
		Message: fmt.Sprintf("No %s labelled %q found", kind, label),
		Level:   EventLevelWarning,
	})
}

// PublishDuplicateCompletion publishes a duplicate completion event.
func (ep *EventPublisher) PublishDuplicateCompletion(runID string, index int, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeDuplicateCompletion,
		Source:  "engine",
		RunID:   runID,
		Index:   index,
		Kind:    kind,
		Message: fmt.Sprintf("Command %s at %d completed more than once", kind, index),
		Level:   EventLevelError,
	})
}

// PublishRunEnded publishes the terminal event for a run. The event type
// follows the status.
func (ep *EventPublisher) PublishRunEnded(runID, status string, duration time.Duration, runErr error) error {
	event := Event{
		Source:  "engine",
		RunID:   runID,
		Index:   -1,
		Message: fmt.Sprintf("Run %s ended with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}

	switch status {
	case "failed":
		event.Type = EventTypeRunFailed
		event.Level = EventLevelError
	case "cancelled":
		event.Type = EventTypeRunCancelled
		event.Level = EventLevelWarning
	default:
		event.Type = EventTypeRunSucceeded
	}
	if runErr != nil {
		event.Data["error"] = runErr.Error()
	}

	return ep.Publish(event)
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Flush delivers every buffered event before returning.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled || !ep.config.EnableAsync {
		return nil
	}

	done := make(chan struct{})
	select {
	case ep.flushReq <- done:
	case <-ep.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processEvents batches buffered events and delivers them when the batch is
// full, on every flush tick, on request, and at shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) > 0 {
			ep.flushBatch(batch)
			batch = make([]Event, 0, ep.config.MaxBatchSize)
		}
	}
	drain := func() {
		for {
			select {
			case event := <-ep.buffer:
				batch = append(batch, event)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case done := <-ep.flushReq:
			drain()
			close(done)

		case <-ep.ctx.Done():
			drain()
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers the remaining buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.stopOnce.Do(ep.cancel)

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
