package domain

import "time"

type ConversationID string

type ConversationKind string

const (
	Direct ConversationKind = "direct"
	Group  ConversationKind = "group"
)

// Conversation is either a direct exchange between two identities or a named group.
// For a direct conversation DisplayName is only a cache, Participants holds the
// normalised pair the conversation was created for.
type Conversation struct {
	ID           ConversationID
	DisplayName  string
	Kind         ConversationKind
	CreatedBy    IdentityID
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []IdentityID
}

func (c Conversation) IsDirect() bool {
	return c.Kind == Direct
}

// Counterpart returns the other party of a direct conversation.
func (c Conversation) Counterpart(self IdentityID) (IdentityID, bool) {
	if !c.IsDirect() || len(c.Participants) != 2 {
		return "", false
	}
	switch self {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return "", false
}

// Pair orders two identities so that (a, b) and (b, a) share the same key.
func Pair(a, b IdentityID) [2]IdentityID {
	if b < a {
		return [2]IdentityID{b, a}
	}
	return [2]IdentityID{a, b}
}

// ConversationSummary is what a viewer sees in its conversation list.
type ConversationSummary struct {
	ID          ConversationID
	DisplayName string
	Kind        ConversationKind
	UpdatedAt   time.Time
}
