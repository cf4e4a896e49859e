package workers

import (
	"campus-chat/contract"
	"campus-chat/domain/event"
	"campus-chat/observability"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EventFanout drains the conversation event queue and hands every event to the
// permanent sinks then to the sinks subscribed to its conversation.
//
// Events are delivered one at a time in queue order, so a sink observes the
// events of a conversation in the order they were published. Delivery is best
// effort: a sink that fails, panics or exceeds sinkTimeout is logged and skipped,
// the failure never travels back to the publisher. A subscribed sink that
// failed is handed to evict so its session stops listening and resubscribes
// instead of missing events silently. Permanent sinks are never evicted.
type EventFanout struct {
	log             *slog.Logger
	permanentSinks  []contract.EventSink
	registry        contract.IRegistry
	domainEvents    chan event.DomainEvent
	telemetryEvents chan event.DomainEvent
	monitor         *observability.MonitoringManager
	sinkTimeout     time.Duration
	evict           func(sink contract.EventSink)
}

func NewEventFanoutWorker(log *slog.Logger,
	permanentSinks []contract.EventSink,
	registry contract.IRegistry,
	domainEvents, telemetryEvents chan event.DomainEvent,
	monitor *observability.MonitoringManager,
	sinkTimeout time.Duration,
	evict func(sink contract.EventSink)) *EventFanout {
	return &EventFanout{
		log:             log,
		permanentSinks:  permanentSinks,
		registry:        registry,
		domainEvents:    domainEvents,
		telemetryEvents: telemetryEvents,
		monitor:         monitor,
		sinkTimeout:     sinkTimeout,
		evict:           evict,
	}
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-w.domainEvents:
			w.Fanout(ctx, evt)
			select {
			case w.telemetryEvents <- evt:
			default:
				w.log.Debug("Observability telemetry event lost")
			}
		case <-ctx.Done():
			w.log.Debug("Context done, stopping domainEvent fanout")
			return nil
		}
	}
}

// Fanout delivers one event to every interested sink.
func (w *EventFanout) Fanout(ctx context.Context, evt event.DomainEvent) {
	sinks := append([]contract.EventSink{}, w.permanentSinks...)
	sinks = append(sinks, w.registry.GetSinksForConversation(evt.ConversationID())...)
	for i, sink := range sinks {
		if err := w.deliver(ctx, sink, evt); err != nil {
			w.monitor.IncrSinkFailures()
			w.log.Warn("Sink skipped", "conversation", evt.ConversationID(),
				"event", fmt.Sprintf("%T", evt), "error", err)
			if i >= len(w.permanentSinks) && w.evict != nil {
				w.evict(sink)
			}
			continue
		}
		w.monitor.IncrEventsDelivered()
	}
}

func (w *EventFanout) deliver(ctx context.Context, sink contract.EventSink, evt event.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
	defer cancel()
	return sink.Consume(sinkCtx, evt)
}
