package stores

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// DefaultWriteTimeout bounds every write made by a Recorder.
const DefaultWriteTimeout = 5 * time.Second

// Recorder writes run history into a Store from engine notifications.
// Writes happen on the notifying goroutine. A failed write is logged and
// counted but never affects the run.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
	steps   bool
	failed  atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithWriteTimeout sets the per-write timeout.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSteps controls whether dispatched commands are recorded. On by default.
func WithSteps(enabled bool) RecorderOption {
	return func(r *Recorder) {
		r.steps = enabled
	}
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "recorder").Logger(),
		timeout: DefaultWriteTimeout,
		steps:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach subscribes the recorder to center and returns the unsubscribe
// function.
func (r *Recorder) Attach(center *engine.NotificationCenter) func() {
	return center.Subscribe(r.Observe)
}

// Failed returns the number of writes that failed.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

// Observe handles one engine notification.
func (r *Recorder) Observe(n engine.Notification) {
	if n.Engine == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch n.Name {
	case engine.EngineStarted:
		run := &Run{
			ID:        n.Engine.RunID(),
			Script:    n.Engine.Name(),
			Status:    RunStatusRunning,
			Commands:  n.Engine.Len(),
			StartedAt: n.Engine.StartedAt(),
		}
		if parent := n.Engine.Parent(); parent != nil {
			parentID := parent.RunID()
			run.ParentID = &parentID
		}
		err = r.store.CreateRun(ctx, run)

	case engine.WillExecuteCommand:
		if !r.steps || n.Command == nil {
			return
		}
		step := &Step{
			RunID: n.Engine.RunID(),
			Index: n.Index,
			Kind:  string(n.Command.Kind()),
		}
		if l, ok := n.Command.(engine.Labeled); ok {
			label := l.Label()
			step.Label = &label
		}
		err = r.store.AppendStep(ctx, step)

	case engine.EngineEnded:
		var errMsg, errCode *string
		if runErr := n.Engine.Err(); runErr != nil {
			msg := runErr.Error()
			errMsg = &msg
			var engErr *engine.EngineError
			if errors.As(runErr, &engErr) && engErr.Code != "" {
				code := engErr.Code
				errCode = &code
			}
		}
		err = r.store.FinishRun(ctx, n.Engine.RunID(), RunStatus(n.Engine.Status()), errMsg, errCode)

	default:
		return
	}

	if err != nil {
		r.failed.Add(1)
		r.logger.Error().
			Err(err).
			Str("run_id", n.Engine.RunID()).
			Str("notification", string(n.Name)).
			Msg("Failed to record run history")
	}
}

// EventSink returns a telemetry subscriber that appends events to the store.
func (r *Recorder) EventSink() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		stored := &Event{
			Type:      event.Type,
			Level:     EventLevel(event.Level),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			runID := event.RunID
			stored.RunID = &runID
		}

		details := map[string]any{}
		for k, v := range event.Data {
			details[k] = v
		}
		if event.Index >= 0 {
			details["index"] = event.Index
		}
		if event.Kind != "" {
			details["kind"] = event.Kind
		}
		if event.Label != "" {
			details["label"] = event.Label
		}
		if len(details) > 0 {
			if b, err := json.Marshal(details); err == nil {
				s := string(b)
				stored.Details = &s
			}
		}

		if err := r.store.AppendEvent(ctx, stored); err != nil {
			r.failed.Add(1)
			r.logger.Error().Err(err).Str("event_type", event.Type).Msg("Failed to record event")
		}
	}
}
