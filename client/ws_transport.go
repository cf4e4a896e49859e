package client

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/infrastructure/ws"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"golang.org/x/net/websocket"
)

// RemoteError is an error frame returned by the server. It unwraps to the
// sentinel of its code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return errors.FromCode(e.Code)
}

// WsTransport talks to the server over one WebSocket connection. Responses
// are matched to requests by request id, events are routed to the current
// subscription.
type WsTransport struct {
	log     *slog.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
	encoder *json.Encoder
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan ws.Frame
	current *wsSubscription

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWs connects to serverURL (http or https) with a connection token.
func DialWs(log *slog.Logger, serverURL, token string) (*WsTransport, error) {
	origin, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	target := *origin
	target.Scheme = strings.Replace(origin.Scheme, "http", "ws", 1)
	target.Path = "/ws"
	target.RawQuery = url.Values{"token": []string{token}}.Encode()

	conn, err := websocket.Dial(target.String(), "", origin.String())
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", origin.Host, err)
	}
	t := &WsTransport{
		log:     log,
		conn:    conn,
		encoder: json.NewEncoder(conn),
		pending: make(map[string]chan ws.Frame),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WsTransport) Close() error {
	t.shutdown()
	return t.conn.Close()
}

// Closed is closed once the connection is gone.
func (t *WsTransport) Closed() <-chan struct{} {
	return t.closed
}

// shutdown also ends the current subscription so its listener returns.
func (t *WsTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		current := t.current
		t.current = nil
		t.mu.Unlock()
		if current != nil {
			current.stop()
		}
	})
}

func (t *WsTransport) readLoop() {
	defer t.shutdown()
	decoder := json.NewDecoder(t.conn)
	for {
		var frame ws.Frame
		if err := decoder.Decode(&frame); err != nil {
			t.log.Debug("Connection closed", "error", err)
			return
		}
		if frame.RequestID != "" {
			t.mu.Lock()
			waiter, ok := t.pending[frame.RequestID]
			delete(t.pending, frame.RequestID)
			t.mu.Unlock()
			if ok {
				waiter <- frame
			}
			continue
		}
		if frame.Type == ws.TypeChannelClosed {
			t.dropped(frame)
			continue
		}
		evt, err := ws.DecodeEvent(frame)
		if err != nil {
			t.log.Warn("Malformed event frame", "type", frame.Type, "error", err)
			continue
		}
		if evt != nil {
			t.route(evt)
		}
	}
}

// route hands an event to the current subscription when it belongs to its
// conversation. Events of a replaced subscription are dropped.
func (t *WsTransport) route(evt event.DomainEvent) {
	t.mu.Lock()
	sub := t.current
	t.mu.Unlock()
	if sub == nil || sub.conversationID != evt.ConversationID() {
		return
	}
	select {
	case sub.events <- evt:
	case <-sub.done:
	case <-t.closed:
	}
}

// dropped ends the current subscription when the server closed it.
func (t *WsTransport) dropped(frame ws.Frame) {
	var ref ws.ConversationRef
	if err := json.Unmarshal(frame.Payload, &ref); err != nil {
		t.log.Warn("Malformed channel closed frame", "error", err)
		return
	}
	t.mu.Lock()
	sub := t.current
	if sub == nil || sub.conversationID != domain.ConversationID(ref.ConversationID) {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.mu.Unlock()
	t.log.Debug("Subscription closed by the server", "conversation", ref.ConversationID)
	sub.stop()
}

// call sends a request and decodes the ack result into result.
func (t *WsTransport) call(ctx context.Context, frameType string, payload any, result any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	requestID := strconv.FormatUint(t.seq.Add(1), 10)
	waiter := make(chan ws.Frame, 1)
	t.mu.Lock()
	t.pending[requestID] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
	}()

	t.writeMu.Lock()
	err = t.encoder.Encode(ws.Frame{Type: frameType, RequestID: requestID, Payload: raw})
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", frameType, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("connection closed during %s", frameType)
	case frame := <-waiter:
		if frame.Type == ws.TypeError {
			var e ws.ErrorPayload
			if err = json.Unmarshal(frame.Payload, &e); err != nil {
				return nil, err
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		var ack ws.AckPayload
		if err = json.Unmarshal(frame.Payload, &ack); err != nil {
			return nil, err
		}
		if result != nil && len(ack.Result) > 0 {
			if err = json.Unmarshal(ack.Result, result); err != nil {
				return nil, err
			}
		}
		return ack.Warnings, nil
	}
}

func (t *WsTransport) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var dtos []ws.ConversationDTO
	if _, err := t.call(ctx, ws.TypeConversationList, struct{}{}, &dtos); err != nil {
		return nil, err
	}
	return lo.Map(dtos, func(item ws.ConversationDTO, _ int) domain.ConversationSummary {
		return item.ToDomain()
	}), nil
}

func (t *WsTransport) OpenDirect(ctx context.Context, directoryID domain.DirectoryID) (domain.ConversationID, error) {
	var ref ws.ConversationRef
	if _, err := t.call(ctx, ws.TypeConversationDirect, ws.DirectRequest{DirectoryID: string(directoryID)}, &ref); err != nil {
		return "", err
	}
	return domain.ConversationID(ref.ConversationID), nil
}

func (t *WsTransport) CreateGroup(ctx context.Context, name string, members []domain.DirectoryID) (domain.ConversationID, []domain.DirectoryID, error) {
	var created ws.GroupCreatedResponse
	req := ws.GroupCreateRequest{
		Name:    name,
		Members: lo.Map(members, func(item domain.DirectoryID, _ int) string { return string(item) }),
	}
	if _, err := t.call(ctx, ws.TypeConversationGroupCreate, req, &created); err != nil {
		return "", nil, err
	}
	return domain.ConversationID(created.ConversationID),
		lo.Map(created.Dropped, func(item string, _ int) domain.DirectoryID { return domain.DirectoryID(item) }), nil
}

func (t *WsTransport) ListMessages(ctx context.Context, conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error) {
	req := ws.ListMessagesRequest{ConversationID: string(conversationID)}
	if afterID != nil {
		req.AfterID = string(*afterID)
	}
	var dtos []ws.MessageDTO
	if _, err := t.call(ctx, ws.TypeMessageList, req, &dtos); err != nil {
		return nil, err
	}
	return lo.Map(dtos, func(item ws.MessageDTO, _ int) domain.Message {
		return item.ToDomain()
	}), nil
}

func (t *WsTransport) Send(ctx context.Context, message Outgoing) (Sent, error) {
	req := ws.SendRequest{
		ConversationID: string(message.ConversationID),
		DirectoryID:    string(message.DirectoryID),
		Body:           message.Body,
	}
	if message.Attachment != nil {
		req.Attachment = message.Attachment.Data
		req.Category = message.Attachment.Category
	}
	var dto ws.MessageDTO
	warnings, err := t.call(ctx, ws.TypeMessageSend, req, &dto)
	if err != nil {
		return Sent{}, err
	}
	return Sent{Message: dto.ToDomain(), Warnings: warnings}, nil
}

func (t *WsTransport) DeleteConversation(ctx context.Context, conversationID domain.ConversationID) ([]string, error) {
	return t.call(ctx, ws.TypeConversationDelete, ws.ConversationRef{ConversationID: string(conversationID)}, nil)
}

func (t *WsTransport) BlockOtherParty(ctx context.Context, conversationID domain.ConversationID) ([]string, error) {
	return t.call(ctx, ws.TypeBlockOtherParty, ws.ConversationRef{ConversationID: string(conversationID)}, nil)
}

// Subscribe replaces the current subscription. The new one is routed events
// before the server acknowledges it so the first presence is not lost.
func (t *WsTransport) Subscribe(ctx context.Context, conversationID domain.ConversationID) (Subscription, error) {
	sub := &wsSubscription{
		transport:      t,
		conversationID: conversationID,
		events:         make(chan event.DomainEvent, 64),
		done:           make(chan struct{}),
	}
	t.mu.Lock()
	previous := t.current
	t.current = sub
	t.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	if _, err := t.call(ctx, ws.TypeChannelSubscribe, ws.ConversationRef{ConversationID: string(conversationID)}, nil); err != nil {
		t.detach(sub)
		sub.stop()
		return nil, err
	}
	return sub, nil
}

// detach clears the current subscription if it is still sub.
func (t *WsTransport) detach(sub *wsSubscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != sub {
		return false
	}
	t.current = nil
	return true
}

type wsSubscription struct {
	once           sync.Once
	transport      *WsTransport
	conversationID domain.ConversationID
	events         chan event.DomainEvent
	done           chan struct{}
}

func (s *wsSubscription) Events() <-chan event.DomainEvent {
	return s.events
}

func (s *wsSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *wsSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Close unsubscribes on the server unless another subscription replaced it.
func (s *wsSubscription) Close() error {
	s.stop()
	if !s.transport.detach(s) {
		return nil
	}
	_, err := s.transport.call(context.Background(), ws.TypeChannelUnsubscribe,
		ws.ConversationRef{ConversationID: string(s.conversationID)}, nil)
	return err
}
