package sink

import (
	"campus-chat/domain/event"
	"campus-chat/errors"
	"context"
	"sync"
)

// SessionSink buffers the events of one live subscription until the transport
// writes them out. It is the EventSink registered for a session.
type SessionSink struct {
	events chan event.DomainEvent
	done   chan struct{}
	once   sync.Once
}

func NewSessionSink(bufferSize int) *SessionSink {
	return &SessionSink{
		events: make(chan event.DomainEvent, bufferSize),
		done:   make(chan struct{}),
	}
}

// Consume is called by the fanout. When the buffer is full it waits until ctx
// expires rather than dropping the event.
func (s *SessionSink) Consume(ctx context.Context, e event.DomainEvent) error {
	select {
	case <-s.done:
		return errors.ErrSubscriptionGone
	default:
	}
	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return errors.ErrSubscriptionGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is drained by the owner of the session.
func (s *SessionSink) Events() <-chan event.DomainEvent {
	return s.events
}

// Done is closed once the sink is closed.
func (s *SessionSink) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting events. Safe to call more than once.
func (s *SessionSink) Close() {
	s.once.Do(func() { close(s.done) })
}
