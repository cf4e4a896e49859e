// Package projection builds local timelines from observed events.
// Handles ordering, deduplication, and projections.
// Does not emit events or interact with UI directly.
package projection

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
)

// Timeline holds the local copy of one conversation, in server order and
// without duplicates. It is not safe for concurrent use.
type Timeline struct {
	ConversationID domain.ConversationID
	Messages       []domain.Message
	seen           map[domain.MessageID]struct{}
}

func NewTimeline(conversationID domain.ConversationID) *Timeline {
	return &Timeline{
		ConversationID: conversationID,
		seen:           make(map[domain.MessageID]struct{}),
	}
}

// Consume appends the message of a MessagePosted event of this conversation.
// It reports whether the timeline changed.
func (t *Timeline) Consume(e event.DomainEvent) bool {
	switch evt := e.(type) {
	case event.MessagePosted:
		if evt.ConversationID() != t.ConversationID {
			return false
		}
		return t.Append(evt.Message)
	}
	return false
}

// Append adds a live message unless it is already known.
func (t *Timeline) Append(message domain.Message) bool {
	if _, ok := t.seen[message.ID]; ok {
		return false
	}
	t.seen[message.ID] = struct{}{}
	t.Messages = append(t.Messages, message)
	return true
}

// MergeHistory replaces the timeline with a fetched history followed by the
// live messages received meanwhile that the history does not contain.
func (t *Timeline) MergeHistory(history []domain.Message) {
	merged := make([]domain.Message, 0, len(history)+len(t.Messages))
	seen := make(map[domain.MessageID]struct{}, len(history)+len(t.Messages))
	for _, m := range history {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range t.Messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	t.Messages = merged
	t.seen = seen
}

// MergeSince merges the messages fetched after afterID: the timeline keeps
// everything up to afterID, then the fetched messages, then the live messages
// they do not contain. Without a known cursor it falls back to MergeHistory.
func (t *Timeline) MergeSince(afterID *domain.MessageID, fetched []domain.Message) {
	if afterID == nil {
		t.MergeHistory(fetched)
		return
	}
	cut := -1
	for i, m := range t.Messages {
		if m.ID == *afterID {
			cut = i
			break
		}
	}
	if cut < 0 {
		t.MergeHistory(fetched)
		return
	}
	head := t.Messages[:cut+1]
	live := t.Messages[cut+1:]
	merged := make([]domain.Message, 0, len(t.Messages)+len(fetched))
	seen := make(map[domain.MessageID]struct{}, len(t.Messages)+len(fetched))
	for _, group := range [][]domain.Message{head, fetched, live} {
		for _, m := range group {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	t.Messages = merged
	t.seen = seen
}

// LastID is the cursor for an incremental history fetch, nil when empty.
func (t *Timeline) LastID() *domain.MessageID {
	if len(t.Messages) == 0 {
		return nil
	}
	id := t.Messages[len(t.Messages)-1].ID
	return &id
}

func (t *Timeline) Len() int {
	return len(t.Messages)
}
