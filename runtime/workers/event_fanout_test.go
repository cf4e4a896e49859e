package workers

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/mocks"
	"campus-chat/observability"
	"context"
	stderrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newFanout(log *slog.Logger, permanent []contract.EventSink, registry contract.IRegistry,
	domainEvents, telemetryEvents chan event.DomainEvent, sinkTimeout time.Duration) *EventFanout {
	return NewEventFanoutWorker(log, permanent, registry, domainEvents, telemetryEvents,
		observability.NewMonitoringManager(log), sinkTimeout, nil)
}

func TestEventFanoutWorker_Fanout(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	permanentSink := mocks.NewMockEventSink(ctrl)
	conversationSink := mocks.NewMockEventSink(ctrl)

	fanoutWorker := newFanout(log, []contract.EventSink{permanentSink}, mockRegistry, nil, nil, time.Second)
	evt := event.MessagePosted{Message: domain.Message{ID: "m1", ConversationID: "c1"}}

	// Given one sink subscribed to the conversation
	mockRegistry.EXPECT().GetSinksForConversation(domain.ConversationID("c1")).
		Return([]contract.EventSink{conversationSink}).Times(1)
	// Then the permanent sink and the conversation sink consume the event
	permanentSink.EXPECT().Consume(gomock.Any(), evt).Return(nil).Times(1)
	conversationSink.EXPECT().Consume(gomock.Any(), evt).Return(nil).Times(1)

	// When the event is handled
	fanoutWorker.Fanout(context.Background(), evt)
}

func TestEventFanoutWorker_Skips_Failing_Sinks(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	panicking := mocks.NewMockEventSink(ctrl)
	failing := mocks.NewMockEventSink(ctrl)
	slow := mocks.NewMockEventSink(ctrl)
	healthy := mocks.NewMockEventSink(ctrl)

	fanoutWorker := newFanout(log, nil, mockRegistry, nil, nil, 20*time.Millisecond)
	evt := event.PresenceSynced{Conversation: "c1"}

	mockRegistry.EXPECT().GetSinksForConversation(gomock.Any()).
		Return([]contract.EventSink{panicking, failing, slow, healthy}).Times(1)
	panicking.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, e event.DomainEvent) error { panic("boom") }).Times(1)
	failing.EXPECT().Consume(gomock.Any(), gomock.Any()).Return(stderrors.New("closed")).Times(1)
	// Waiting for the timeout to trigger cancellation
	slow.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, e event.DomainEvent) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)
	// Then the last sink is still served
	healthy.EXPECT().Consume(gomock.Any(), evt).Return(nil).Times(1)

	fanoutWorker.Fanout(context.Background(), evt)
}

func TestEventFanoutWorker_Run_Preserves_Queue_Order(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	sink := mocks.NewMockEventSink(ctrl)

	domainEvents := make(chan event.DomainEvent, 10)
	telemetryEvents := make(chan event.DomainEvent, 10)
	fanoutWorker := newFanout(log, nil, mockRegistry, domainEvents, telemetryEvents, time.Second)

	received := make(chan domain.MessageID, 10)
	mockRegistry.EXPECT().GetSinksForConversation(gomock.Any()).Return([]contract.EventSink{sink}).Times(5)
	sink.EXPECT().Consume(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, e event.DomainEvent) error {
			received <- e.(event.MessagePosted).Message.ID
			return nil
		}).Times(5)

	// Given five queued events
	ids := []domain.MessageID{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		domainEvents <- event.MessagePosted{Message: domain.Message{ID: id, ConversationID: "c1"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- fanoutWorker.Run(ctx) }()

	// Then they are delivered in order and forwarded to telemetry
	for _, id := range ids {
		select {
		case got := <-received:
			req.Equal(id, got)
		case <-time.After(time.Second):
			req.FailNow("event not delivered")
		}
	}
	req.Eventually(func() bool { return len(telemetryEvents) == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	req.NoError(<-done)
}

func TestEventFanoutWorker_Evicts_Failing_Subscribed_Sinks(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockRegistry := mocks.NewMockIRegistry(ctrl)
	permanent := mocks.NewMockEventSink(ctrl)
	stalled := mocks.NewMockEventSink(ctrl)
	healthy := mocks.NewMockEventSink(ctrl)

	var evicted []contract.EventSink
	fanoutWorker := NewEventFanoutWorker(log, []contract.EventSink{permanent}, mockRegistry, nil, nil,
		observability.NewMonitoringManager(log), 20*time.Millisecond,
		func(sink contract.EventSink) { evicted = append(evicted, sink) })
	evt := event.MessagePosted{Message: domain.Message{ID: "m1", ConversationID: "c1"}}

	// Given a failing permanent sink and a stalled subscribed sink
	mockRegistry.EXPECT().GetSinksForConversation(domain.ConversationID("c1")).
		Return([]contract.EventSink{stalled, healthy}).Times(1)
	permanent.EXPECT().Consume(gomock.Any(), evt).Return(stderrors.New("disk full")).Times(1)
	stalled.EXPECT().Consume(gomock.Any(), evt).
		DoAndReturn(func(ctx context.Context, e event.DomainEvent) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)
	healthy.EXPECT().Consume(gomock.Any(), evt).Return(nil).Times(1)

	// When the event is handled
	fanoutWorker.Fanout(context.Background(), evt)

	// Then only the subscribed sink that failed is evicted
	req.Equal([]contract.EventSink{stalled}, evicted)
}
