// Package client keeps the state of one user session: the conversation list,
// a timeline per conversation, the selected conversation and its presence.
package client

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"context"
)

// Outgoing is a message to send. An empty ConversationID targets the direct
// conversation with DirectoryID.
type Outgoing struct {
	ConversationID domain.ConversationID
	DirectoryID    domain.DirectoryID
	Body           string
	Attachment     *domain.Attachment
}

type Sent struct {
	Message  domain.Message
	Warnings []string
}

// Subscription delivers the events of one conversation until closed.
type Subscription interface {
	Events() <-chan event.DomainEvent
	Done() <-chan struct{}
	Close() error
}

// Transport is what a session needs from the server.
type Transport interface {
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	OpenDirect(ctx context.Context, directoryID domain.DirectoryID) (domain.ConversationID, error)
	ListMessages(ctx context.Context, conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error)
	Send(ctx context.Context, message Outgoing) (Sent, error)
	DeleteConversation(ctx context.Context, conversationID domain.ConversationID) ([]string, error)
	Subscribe(ctx context.Context, conversationID domain.ConversationID) (Subscription, error)
}
