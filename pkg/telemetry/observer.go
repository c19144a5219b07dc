package telemetry

import (
	"errors"
	"time"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// EngineObserver turns engine notifications into metrics, events and log
// lines. One observer can watch any number of engines through their
// notification center.
type EngineObserver struct {
	logger  *Logger
	metrics *Metrics
	events  *EventPublisher
}

// NewEngineObserver creates an observer. Any of the sinks may be nil.
func NewEngineObserver(logger *Logger, metrics *Metrics, events *EventPublisher) *EngineObserver {
	return &EngineObserver{
		logger:  logger,
		metrics: metrics,
		events:  events,
	}
}

// Attach subscribes the observer to center and returns the unsubscribe
// function.
func (o *EngineObserver) Attach(center *engine.NotificationCenter) func() {
	return center.Subscribe(o.Observe)
}

// Observe handles one notification.
func (o *EngineObserver) Observe(n engine.Notification) {
	if n.Engine == nil {
		return
	}

	runID := n.Engine.RunID()
	kind := ""
	if n.Command != nil {
		kind = string(n.Command.Kind())
	}

	switch n.Name {
	case engine.EngineStarted:
		parentID := ""
		if parent := n.Engine.Parent(); parent != nil {
			parentID = parent.RunID()
		}
		o.metrics.RecordRunStarted(parentID != "")
		o.logPublishError(runID, o.events.PublishRunStarted(runID, parentID, n.Engine.Name(), n.Engine.Len()))

	case engine.WillExecuteCommand:
		o.metrics.RecordCommand(kind)
		o.logPublishError(runID, o.events.PublishCommand(runID, n.Engine.Name(), n.Index, kind))

	case engine.Jumped:
		o.metrics.RecordJump(kind)
		o.logPublishError(runID, o.events.PublishJumped(runID, n.Index, n.Target, kind, n.Label))

	case engine.LabelUnresolved:
		o.metrics.RecordUnresolvedLabel(kind)
		o.logPublishError(runID, o.events.PublishLabelUnresolved(runID, n.Index, kind, n.Label))
		if o.logger != nil {
			o.logger.WithRunID(runID).WithFields(map[string]any{
				"index": n.Index,
				"kind":  kind,
				"label": n.Label,
			}).Warn("Label not found")
		}

	case engine.DuplicateCompletion:
		o.metrics.RecordDuplicateCompletion(kind)
		o.logPublishError(runID, o.events.PublishDuplicateCompletion(runID, n.Index, kind))

	case engine.EngineEnded:
		status := n.Engine.Status()
		err := n.Engine.Err()
		duration := time.Since(n.Engine.StartedAt())

		o.metrics.RecordRunEnded(string(status), duration)
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			o.metrics.RecordError(string(engErr.Class), engErr.Code)
		}
		o.logPublishError(runID, o.events.PublishRunEnded(runID, string(status), duration, err))

		if o.logger != nil {
			l := o.logger.WithRunID(runID).WithScript(n.Engine.Name()).
				WithField("status", string(status)).
				WithField("duration", duration.String())
			if err != nil {
				l.WithError(err).Warn("Script run ended")
			} else {
				l.Info("Script run ended")
			}
		}
	}
}

func (o *EngineObserver) logPublishError(runID string, err error) {
	if err == nil || o.logger == nil {
		return
	}
	o.logger.WithRunID(runID).WithError(err).Debug("Failed to publish engine event")
}
