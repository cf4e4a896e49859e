// Package runtime handles event propagation and presence.
// It orchestrates the realtime channel without containing business rules.
package runtime

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/observability"
	"campus-chat/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Orchestrator is the realtime channel: it owns the event queue drained by the
// fanout worker, the registry of live subscriptions and the presence of every
// conversation.
type Orchestrator struct {
	mu              sync.Mutex
	presenceMu      sync.Mutex
	log             *slog.Logger
	permanentSinks  []contract.EventSink
	supervisor      contract.ISupervisor
	registry        contract.IRegistry
	monitor         *observability.MonitoringManager
	domainEvents    chan event.DomainEvent
	telemetryEvents chan event.DomainEvent
	samples         chan observability.ProcessSample
	sinkTimeout     time.Duration
	publishTimeout  time.Duration
	metricInterval  time.Duration
}

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor,
	registry contract.IRegistry, monitor *observability.MonitoringManager,
	bufferSize int, sinkTimeout, publishTimeout, metricInterval time.Duration) *Orchestrator {
	return &Orchestrator{
		log:             log,
		supervisor:      supervisor,
		registry:        registry,
		monitor:         monitor,
		domainEvents:    make(chan event.DomainEvent, bufferSize),
		telemetryEvents: make(chan event.DomainEvent, bufferSize),
		samples:         make(chan observability.ProcessSample, 1),
		sinkTimeout:     sinkTimeout,
		publishTimeout:  publishTimeout,
		metricInterval:  metricInterval,
	}
}

// Add registers sinks receiving every event whatever its conversation.
// Must be called before Start.
func (o *Orchestrator) Add(sinks ...contract.EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.permanentSinks = append(o.permanentSinks, sinks...)
}

// Publish queues an event for the fanout worker. Events are delivered in the
// order they were queued. It fails when the queue stays full for publishTimeout.
func (o *Orchestrator) Publish(ctx context.Context, e event.DomainEvent) error {
	select {
	case o.domainEvents <- e:
		return nil
	default:
	}

	timer := time.NewTimer(o.publishTimeout)
	defer timer.Stop()
	select {
	case o.domainEvents <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		o.log.Warn(fmt.Sprintf("Event queue full for conversation %s, dropping event", e.ConversationID()))
		return errors.ErrQueueFull
	}
}

// Join subscribes a session to a conversation, replacing its previous
// subscription, and publishes the presence of every conversation affected.
func (o *Orchestrator) Join(ctx context.Context, sessionID string, identityID domain.IdentityID,
	conversationID domain.ConversationID, sink contract.EventSink) error {
	o.presenceMu.Lock()
	defer o.presenceMu.Unlock()

	replaced, ok := o.registry.Subscribe(sessionID, identityID, conversationID, sink)
	if ok {
		if err := o.publishPresence(ctx, replaced); err != nil {
			return err
		}
	}
	o.log.Debug("Session joined", "session", sessionID, "identity", identityID, "conversation", conversationID)
	return o.publishPresence(ctx, conversationID)
}

// Leave ends the subscription of a session if it still targets conversationID.
func (o *Orchestrator) Leave(ctx context.Context, sessionID string, conversationID domain.ConversationID) error {
	o.presenceMu.Lock()
	defer o.presenceMu.Unlock()

	if !o.registry.Unsubscribe(sessionID, conversationID) {
		return nil
	}
	o.log.Debug("Session left", "session", sessionID, "conversation", conversationID)
	return o.publishPresence(ctx, conversationID)
}

func (o *Orchestrator) Presence(conversationID domain.ConversationID) []domain.IdentityID {
	return o.registry.Presence(conversationID)
}

// evict drops the subscription fed by a sink the fanout could not serve and
// closes the sink so its owner sees the subscription end. It runs on the
// fanout goroutine, so the presence refresh is queued from another one.
func (o *Orchestrator) evict(sink contract.EventSink) {
	if closer, ok := sink.(interface{ Close() }); ok {
		closer.Close()
	}
	sessionID, conversationID, ok := o.registry.Evict(sink)
	if !ok {
		return
	}
	o.log.Warn("Subscription evicted", "session", sessionID, "conversation", conversationID)
	go func() {
		o.presenceMu.Lock()
		defer o.presenceMu.Unlock()
		if err := o.publishPresence(context.Background(), conversationID); err != nil {
			o.log.Warn("Presence not published after eviction", "conversation", conversationID, "error", err)
		}
	}()
}

// publishPresence must run under presenceMu so that snapshots are queued in
// the order they were taken.
func (o *Orchestrator) publishPresence(ctx context.Context, conversationID domain.ConversationID) error {
	return o.Publish(ctx, event.PresenceSynced{
		Conversation: conversationID,
		Identities:   o.registry.Presence(conversationID),
		At:           time.Now().UTC(),
	})
}

// Start registers the fanout and telemetry workers then blocks until the
// supervisor stops.
func (o *Orchestrator) Start(ctx context.Context) error {
	// 1. Preparation phase (No Lock)
	go o.monitor.Listen(ctx, o.metricInterval, o.samples)

	// 2. Critical Section (Short Lock)
	o.mu.Lock()
	fanoutWorker := workers.NewEventFanoutWorker(o.log, o.permanentSinks, o.registry,
		o.domainEvents, o.telemetryEvents, o.monitor, o.sinkTimeout, o.evict)
	telemetryWorker := workers.NewTelemetryWorker(o.log, o.metricInterval, o.telemetryEvents, o.samples,
		[]workers.NamedChannel{
			{Name: "domain_events", Channel: o.domainEvents},
			{Name: "telemetry_events", Channel: o.telemetryEvents},
		})
	o.supervisor.Add(fanoutWorker, telemetryWorker)
	o.mu.Unlock()

	// 3. Execution phase (No Lock)
	o.log.Info("Starting orchestrator and all supervised workers")
	o.supervisor.Run(ctx)
	return nil
}

// Stop cancels the supervised workers. Events still queued are dropped.
func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.supervisor.Stop()
}
