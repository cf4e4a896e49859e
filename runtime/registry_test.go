package runtime

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type Sink struct {
	name string
}

func (s Sink) Consume(ctx context.Context, e event.DomainEvent) error {
	return nil
}

func TestRegistry_Subscribe_One_Conversation_One_Session(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sessionID := uuid.NewString()
	conversationID := domain.ConversationID("c1")
	sink := Sink{name: "alice"}

	// Given no session is connected
	req.Empty(registry.Sessions)
	req.Empty(registry.ConversationSessions)

	// When a session subscribes to a conversation
	_, replaced := registry.Subscribe(sessionID, "alice", conversationID, sink)

	// Then
	req.False(replaced)
	req.Len(registry.Sessions, 1)
	req.Contains(registry.ConversationSessions[conversationID], sessionID)
	req.Equal([]domain.IdentityID{"alice"}, registry.Presence(conversationID))
	req.Len(registry.GetSinksForConversation(conversationID), 1)
	req.Contains(registry.GetSinksForConversation(conversationID), sink)
}

func TestRegistry_Subscribe_Replaces_Previous_Subscription(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sessionID := uuid.NewString()
	first := Sink{name: "first"}
	second := Sink{name: "second"}

	registry.Subscribe(sessionID, "alice", "c1", first)

	// When the session switches conversation
	previous, replaced := registry.Subscribe(sessionID, "alice", "c2", second)

	// Then the old subscription is gone atomically
	req.True(replaced)
	req.Equal(domain.ConversationID("c1"), previous)
	req.Len(registry.Sessions, 1)
	req.Nil(registry.GetSinksForConversation("c1"))
	req.NotContains(registry.ConversationSessions, domain.ConversationID("c1"))
	req.Empty(registry.Presence("c1"))
	req.Equal([]any{second}, toAny(registry.GetSinksForConversation("c2")))

	// And a late unsubscribe for the old conversation is ignored
	req.False(registry.Unsubscribe(sessionID, "c1"))
	req.Len(registry.GetSinksForConversation("c2"), 1)
}

func TestRegistry_Resubscribe_Same_Conversation(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sessionID := uuid.NewString()

	registry.Subscribe(sessionID, "alice", "c1", Sink{name: "first"})
	_, replaced := registry.Subscribe(sessionID, "alice", "c1", Sink{name: "second"})

	req.False(replaced)
	req.Equal([]any{Sink{name: "second"}}, toAny(registry.GetSinksForConversation("c1")))
}

func TestRegistry_Presence_Counts_Distinct_Identities(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	// Given Alice opened the conversation from two sessions and Bob from one
	registry.Subscribe("s1", "alice", "c1", Sink{name: "s1"})
	registry.Subscribe("s2", "alice", "c1", Sink{name: "s2"})
	registry.Subscribe("s3", "bob", "c1", Sink{name: "s3"})

	// Then presence holds two identities and every session gets events
	req.Equal([]domain.IdentityID{"alice", "bob"}, registry.Presence("c1"))
	req.Len(registry.GetSinksForConversation("c1"), 3)

	// When every session leaves
	req.True(registry.Unsubscribe("s1", "c1"))
	req.Equal([]domain.IdentityID{"alice", "bob"}, registry.Presence("c1"))
	req.True(registry.Unsubscribe("s2", "c1"))
	req.True(registry.Unsubscribe("s3", "c1"))

	// Then presence is empty and nothing is left behind
	req.Empty(registry.Presence("c1"))
	req.Empty(registry.Sessions)
	req.Empty(registry.ConversationSessions)
	req.False(registry.Unsubscribe("s3", "c1"))
}

func TestRegistry_Evict_Drops_The_Session_Of_A_Sink(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	stalled := &Sink{name: "stalled"}
	healthy := &Sink{name: "healthy"}
	registry.Subscribe("s1", "alice", "c1", stalled)
	registry.Subscribe("s2", "bob", "c1", healthy)

	// When the stalled sink is evicted
	sessionID, conversationID, ok := registry.Evict(stalled)

	// Then only its session is gone
	req.True(ok)
	req.Equal("s1", sessionID)
	req.Equal(domain.ConversationID("c1"), conversationID)
	req.Equal([]domain.IdentityID{"bob"}, registry.Presence("c1"))
	req.Equal([]any{healthy}, toAny(registry.GetSinksForConversation("c1")))

	// And a sink nobody holds is not found
	_, _, ok = registry.Evict(stalled)
	req.False(ok)
}

func toAny[T any](items []T) []any {
	res := make([]any, 0, len(items))
	for _, item := range items {
		res = append(res, item)
	}
	return res
}
