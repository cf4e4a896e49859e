package event

import (
	"campus-chat/domain"
	"time"
)

// DomainEvent is anything published on a conversation channel.
type DomainEvent interface {
	ConversationID() domain.ConversationID
}

// MessagePosted is emitted once a message has been persisted.
type MessagePosted struct {
	Message domain.Message
}

func (m MessagePosted) ConversationID() domain.ConversationID {
	return m.Message.ConversationID
}

// PresenceSynced carries the full set of identities currently subscribed to a conversation.
type PresenceSynced struct {
	Conversation domain.ConversationID
	Identities   []domain.IdentityID
	At           time.Time
}

func (p PresenceSynced) ConversationID() domain.ConversationID {
	return p.Conversation
}

func (p PresenceSynced) Count() int {
	return len(p.Identities)
}

// ConversationDeleted tells subscribers to drop any reference to the conversation.
type ConversationDeleted struct {
	Conversation domain.ConversationID
	At           time.Time
}

func (c ConversationDeleted) ConversationID() domain.ConversationID {
	return c.Conversation
}
