package ws

import (
	"campus-chat/domain"
	"campus-chat/sink"
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/time/rate"
)

// peer serialises writes on a connection shared by the request loop and the
// event pump.
type peer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newPeer(encoder *json.Encoder) *peer {
	return &peer{encoder: encoder}
}

func (p *peer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func (p *peer) writeError(requestID, code, message string) error {
	return p.writeFrame(Frame{
		Type:      TypeError,
		RequestID: requestID,
		Payload:   mustJSON(ErrorPayload{Code: code, Message: message}),
	})
}

// connSession is one authenticated connection. It holds at most one
// subscription, each with its own sink.
type connSession struct {
	mu             sync.Mutex
	id             string
	identity       domain.Identity
	peer           *peer
	conversationID domain.ConversationID
	sink           *sink.SessionSink
	limiter        *rate.Limiter
}

func newConnSession(id string, identity domain.Identity, p *peer, limit rate.Limit, burst int) *connSession {
	return &connSession{id: id, identity: identity, peer: p, limiter: rate.NewLimiter(limit, burst)}
}

// subscribe replaces the current subscription. The registry swaps it
// atomically, the previous sink is closed afterwards.
func (s *Server) subscribe(ctx context.Context, session *connSession, conversationID domain.ConversationID) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	next := sink.NewSessionSink(s.sinkBufferSize)
	if err := s.channel.Join(ctx, session.id, session.identity.ID, conversationID, next); err != nil {
		// the registry already holds the new subscription
		s.log.Warn("Presence not published on subscribe", "session", session.id, "conversation", conversationID, "error", err)
	}
	previous := session.sink
	session.sink = next
	session.conversationID = conversationID
	if previous != nil {
		previous.Close()
	}
	go s.pump(session, next)
	return nil
}

func (s *Server) unsubscribe(ctx context.Context, session *connSession, conversationID domain.ConversationID) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sink == nil || session.conversationID != conversationID {
		return nil
	}
	if err := s.channel.Leave(ctx, session.id, conversationID); err != nil {
		s.log.Warn("Presence not published on unsubscribe", "session", session.id, "conversation", conversationID, "error", err)
	}
	session.sink.Close()
	session.sink = nil
	session.conversationID = ""
	return nil
}

func (s *Server) closeSubscription(session *connSession) {
	session.mu.Lock()
	conversationID := session.conversationID
	session.mu.Unlock()
	if conversationID != "" {
		_ = s.unsubscribe(context.Background(), session, conversationID)
	}
}

// pump writes the events of one subscription until its sink is closed.
func (s *Server) pump(session *connSession, subscription *sink.SessionSink) {
	for {
		select {
		case <-subscription.Done():
			s.dropEvicted(session, subscription)
			return
		case evt := <-subscription.Events():
			frame, ok := EventFrame(evt)
			if !ok {
				continue
			}
			if err := session.peer.writeFrame(frame); err != nil {
				s.log.Debug("Event not written", "session", session.id, "type", frame.Type, "error", err)
				return
			}
		}
	}
}

// dropEvicted tells the client its subscription ended when the channel closed
// the sink on its own. A sink the session replaced or released is not reported.
func (s *Server) dropEvicted(session *connSession, subscription *sink.SessionSink) {
	session.mu.Lock()
	if session.sink != subscription {
		session.mu.Unlock()
		return
	}
	conversationID := session.conversationID
	session.sink = nil
	session.conversationID = ""
	session.mu.Unlock()

	s.log.Debug("Subscription dropped by the channel", "session", session.id, "conversation", conversationID)
	frame := Frame{Type: TypeChannelClosed, Payload: mustJSON(ConversationRef{ConversationID: string(conversationID)})}
	if err := session.peer.writeFrame(frame); err != nil {
		s.log.Debug("Channel closed frame not written", "session", session.id, "error", err)
	}
}
