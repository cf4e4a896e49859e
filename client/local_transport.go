package client

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/infrastructure/ws"
	"campus-chat/services"
	"campus-chat/sink"
	"context"
	"sync"

	"github.com/google/uuid"
)

// LocalTransport calls the services in process on behalf of one identity.
// All its subscriptions share one session id, so subscribing replaces the
// previous subscription in the registry.
type LocalTransport struct {
	identityID domain.IdentityID
	sessionID  string
	bufferSize int
	gateway    services.IMessagingGateway
	resolver   services.IConversationResolver
	members    services.IMembershipManager
	channel    ws.Channel
}

func NewLocalTransport(identityID domain.IdentityID, bufferSize int,
	gateway services.IMessagingGateway,
	resolver services.IConversationResolver,
	members services.IMembershipManager,
	channel ws.Channel) *LocalTransport {
	return &LocalTransport{
		identityID: identityID,
		sessionID:  uuid.NewString(),
		bufferSize: bufferSize,
		gateway:    gateway,
		resolver:   resolver,
		members:    members,
		channel:    channel,
	}
}

func (t *LocalTransport) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	return t.gateway.ListConversations(ctx, t.identityID)
}

func (t *LocalTransport) OpenDirect(ctx context.Context, directoryID domain.DirectoryID) (domain.ConversationID, error) {
	return t.resolver.ResolveDirect(ctx, t.identityID, directoryID)
}

func (t *LocalTransport) ListMessages(ctx context.Context, conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error) {
	return t.gateway.ListMessages(ctx, t.identityID, conversationID, afterID)
}

func (t *LocalTransport) Send(ctx context.Context, message Outgoing) (Sent, error) {
	result, err := t.gateway.Send(ctx, services.SendCommand{
		SenderID:       t.identityID,
		ConversationID: message.ConversationID,
		DirectoryID:    message.DirectoryID,
		Body:           message.Body,
		Attachment:     message.Attachment,
	})
	if err != nil {
		return Sent{}, err
	}
	return Sent{Message: result.Message, Warnings: result.Warnings}, nil
}

func (t *LocalTransport) DeleteConversation(ctx context.Context, conversationID domain.ConversationID) ([]string, error) {
	if err := t.gateway.CanView(ctx, t.identityID, conversationID); err != nil {
		return nil, err
	}
	result, err := t.members.DeleteConversation(ctx, conversationID)
	return result.Warnings, err
}

func (t *LocalTransport) Subscribe(ctx context.Context, conversationID domain.ConversationID) (Subscription, error) {
	if err := t.gateway.CanView(ctx, t.identityID, conversationID); err != nil {
		return nil, err
	}
	s := &localSubscription{
		transport:      t,
		conversationID: conversationID,
		sink:           sink.NewSessionSink(t.bufferSize),
	}
	if err := t.channel.Join(ctx, t.sessionID, t.identityID, conversationID, s.sink); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type localSubscription struct {
	once           sync.Once
	transport      *LocalTransport
	conversationID domain.ConversationID
	sink           *sink.SessionSink
}

func (s *localSubscription) Events() <-chan event.DomainEvent {
	return s.sink.Events()
}

func (s *localSubscription) Done() <-chan struct{} {
	return s.sink.Done()
}

// Close leaves the conversation unless the session already moved on.
func (s *localSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.transport.channel.Leave(context.Background(), s.transport.sessionID, s.conversationID)
		s.sink.Close()
	})
	return err
}
