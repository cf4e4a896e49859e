package runtime_test

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/observability"
	"campus-chat/runtime"
	"campus-chat/runtime/workers"
	"campus-chat/sink"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type RecordingSink struct {
	mu     sync.Mutex
	events []event.DomainEvent
}

func (s *RecordingSink) Consume(_ context.Context, e event.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *RecordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newOrchestrator(t *testing.T, bufferSize int) *runtime.Orchestrator {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return runtime.NewOrchestrator(log, workers.NewSupervisor(log), runtime.NewRegistry(),
		observability.NewMonitoringManager(log), bufferSize,
		100*time.Millisecond, 20*time.Millisecond, 50*time.Millisecond)
}

func start(t *testing.T, o *runtime.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func next(t *testing.T, s *sink.SessionSink) event.DomainEvent {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no event received")
		return nil
	}
}

func Test_Orchestrator_Delivers_To_Subscribed_Sessions(t *testing.T) {
	req := require.New(t)
	o := newOrchestrator(t, 16)
	permanent := &RecordingSink{}
	o.Add(permanent)
	start(t, o)
	ctx := context.Background()

	alice := sink.NewSessionSink(8)
	bob := sink.NewSessionSink(8)
	outsider := sink.NewSessionSink(8)

	// Given Alice then Bob join c1 and someone else joins c2
	req.NoError(o.Join(ctx, "s-alice", "alice", "c1", alice))
	req.Equal(1, next(t, alice).(event.PresenceSynced).Count())
	req.NoError(o.Join(ctx, "s-bob", "bob", "c1", bob))
	req.Equal(2, next(t, alice).(event.PresenceSynced).Count())
	req.Equal(2, next(t, bob).(event.PresenceSynced).Count())
	req.NoError(o.Join(ctx, "s-out", "oscar", "c2", outsider))
	next(t, outsider)

	// When a message is published on c1
	posted := event.MessagePosted{Message: domain.Message{ID: "m1", ConversationID: "c1", Body: "hi"}}
	req.NoError(o.Publish(ctx, posted))

	// Then both subscribers receive it without polling
	req.Equal(posted, next(t, alice))
	req.Equal(posted, next(t, bob))
	select {
	case e := <-outsider.Events():
		req.Failf("unexpected event", "%v", e)
	case <-time.After(50 * time.Millisecond):
	}
	req.Eventually(func() bool { return permanent.count() == 4 }, time.Second, 5*time.Millisecond)
}

func Test_Orchestrator_Presence_On_Switch_And_Leave(t *testing.T) {
	req := require.New(t)
	o := newOrchestrator(t, 16)
	start(t, o)
	ctx := context.Background()

	watcher := sink.NewSessionSink(8)
	req.NoError(o.Join(ctx, "s-watch", "wendy", "c1", watcher))
	next(t, watcher)

	// Given Alice joins c1
	aliceC1 := sink.NewSessionSink(8)
	req.NoError(o.Join(ctx, "s-alice", "alice", "c1", aliceC1))
	req.Equal([]domain.IdentityID{"alice", "wendy"}, next(t, watcher).(event.PresenceSynced).Identities)

	// When Alice switches to c2 from the same session
	aliceC2 := sink.NewSessionSink(8)
	req.NoError(o.Join(ctx, "s-alice", "alice", "c2", aliceC2))

	// Then c1 sees her leave and c2 sees her arrive
	req.Equal([]domain.IdentityID{"wendy"}, next(t, watcher).(event.PresenceSynced).Identities)
	req.Equal([]domain.IdentityID{"alice"}, next(t, aliceC2).(event.PresenceSynced).Identities)
	req.Equal([]domain.IdentityID{"alice"}, o.Presence("c2"))

	// When the watcher leaves, presence of c1 is empty
	req.NoError(o.Leave(ctx, "s-watch", "c1"))
	req.Empty(o.Presence("c1"))

	// And leaving a conversation no longer subscribed is a no-op
	req.NoError(o.Leave(ctx, "s-alice", "c1"))
	req.Equal([]domain.IdentityID{"alice"}, o.Presence("c2"))
}

func Test_Orchestrator_Publish_Fails_When_Queue_Stays_Full(t *testing.T) {
	req := require.New(t)
	// Not started: nothing drains the queue
	o := newOrchestrator(t, 1)
	ctx := context.Background()

	req.NoError(o.Publish(ctx, event.ConversationDeleted{Conversation: "c1"}))
	req.ErrorIs(o.Publish(ctx, event.ConversationDeleted{Conversation: "c1"}), errors.ErrQueueFull)
}

func Test_Orchestrator_Evicts_Stalled_Session(t *testing.T) {
	req := require.New(t)
	o := newOrchestrator(t, 16)
	start(t, o)
	ctx := context.Background()

	// Given Bob's sink holds one event and is never drained
	stalled := sink.NewSessionSink(1)
	req.NoError(o.Join(ctx, "s-bob", "bob", "c1", stalled))
	alice := sink.NewSessionSink(8)
	req.NoError(o.Join(ctx, "s-alice", "alice", "c1", alice))
	req.Equal(2, next(t, alice).(event.PresenceSynced).Count())

	// When the next delivery to Bob times out
	// Then his subscription ends and the others see him leave
	select {
	case <-stalled.Done():
	case <-time.After(time.Second):
		req.FailNow("stalled sink still open")
	}
	req.Equal([]domain.IdentityID{"alice"}, next(t, alice).(event.PresenceSynced).Identities)
	req.Equal([]domain.IdentityID{"alice"}, o.Presence("c1"))

	// And later events only reach the remaining subscriber
	posted := event.MessagePosted{Message: domain.Message{ID: "m1", ConversationID: "c1"}}
	req.NoError(o.Publish(ctx, posted))
	req.Equal(posted, next(t, alice))
}
