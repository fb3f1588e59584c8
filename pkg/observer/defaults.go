package observer

import (
	"context"

	"github.com/dagstack/orchard/pkg/logging"
)

// NoOpObserver discards all events.
type NoOpObserver struct{}

// OnEvent does nothing.
func (NoOpObserver) OnEvent(context.Context, Event) {}

// LoggingObserver writes every event to a structured logger: failures,
// retries, and evictions at warn, everything else at debug.
type LoggingObserver struct {
	Logger *logging.Logger
}

// NewLoggingObserver creates an observer backed by the given logger.
func NewLoggingObserver(logger *logging.Logger) *LoggingObserver {
	return &LoggingObserver{Logger: logger}
}

// OnEvent logs the event.
func (o *LoggingObserver) OnEvent(_ context.Context, event Event) {
	if o.Logger == nil {
		return
	}
	log := o.Logger.WithField("event", string(event.Type))
	if event.NodeKey != "" {
		log = log.WithNodeKey(event.NodeKey)
	}
	if event.TaskID != 0 {
		log = log.WithTaskID(event.TaskID)
	}
	switch event.Type {
	case EventNodeFailed:
		log.WithError(event.Err).Warn("node failed")
	case EventNodeRetried:
		log.Warn("node retried")
	case EventWorkerEvicted:
		log.Warn("worker evicted")
	default:
		log.Debug("execution event")
	}
}
