package runtime

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"sort"
	"sync"
)

type Set map[string]struct{}

// subscription is the single live channel a session holds.
type subscription struct {
	identityID     domain.IdentityID
	conversationID domain.ConversationID
	sink           contract.EventSink
}

type Registry struct {
	mu                   sync.RWMutex
	Sessions             map[string]subscription       // session -> current subscription
	ConversationSessions map[domain.ConversationID]Set // conversation -> sessions
}

func NewRegistry() *Registry {
	return &Registry{
		Sessions:             make(map[string]subscription),
		ConversationSessions: make(map[domain.ConversationID]Set),
	}
}

// GetSinksForConversation resolves the sessions subscribed to a conversation
// into their sinks. Returns nil when nobody listens.
func (r *Registry) GetSinksForConversation(conversationID domain.ConversationID) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions, ok := r.ConversationSessions[conversationID]
	if !ok {
		return nil
	}
	var activeSinks []contract.EventSink
	for sessionID := range sessions {
		if sub, exists := r.Sessions[sessionID]; exists {
			activeSinks = append(activeSinks, sub.sink)
		}
	}
	return activeSinks
}

// Subscribe points the session at a conversation. A session holds at most one
// subscription: a previous one is dropped in the same critical section and
// its conversation is returned so that its presence can be refreshed.
func (r *Registry) Subscribe(sessionID string, identityID domain.IdentityID, conversationID domain.ConversationID, sink contract.EventSink) (domain.ConversationID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, hadPrevious := r.Sessions[sessionID]
	if hadPrevious {
		r.leave(sessionID, previous.conversationID)
	}

	r.Sessions[sessionID] = subscription{identityID: identityID, conversationID: conversationID, sink: sink}
	if _, ok := r.ConversationSessions[conversationID]; !ok {
		r.ConversationSessions[conversationID] = make(Set)
	}
	r.ConversationSessions[conversationID][sessionID] = struct{}{}

	if hadPrevious && previous.conversationID != conversationID {
		return previous.conversationID, true
	}
	return "", false
}

// Unsubscribe drops the session only while it still listens to conversationID,
// so a late unsubscribe never closes a newer subscription.
func (r *Registry) Unsubscribe(sessionID string, conversationID domain.ConversationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.Sessions[sessionID]
	if !ok || current.conversationID != conversationID {
		return false
	}
	delete(r.Sessions, sessionID)
	r.leave(sessionID, conversationID)
	return true
}

// Evict drops whichever session is fed by sink and reports the conversation
// it listened to. Sinks are compared by identity.
func (r *Registry) Evict(sink contract.EventSink) (string, domain.ConversationID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sessionID, sub := range r.Sessions {
		if sub.sink != sink {
			continue
		}
		delete(r.Sessions, sessionID)
		r.leave(sessionID, sub.conversationID)
		return sessionID, sub.conversationID, true
	}
	return "", "", false
}

// Presence lists the distinct identities subscribed to a conversation, sorted.
func (r *Registry) Presence(conversationID domain.ConversationID) []domain.IdentityID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	distinct := make(map[domain.IdentityID]struct{})
	for sessionID := range r.ConversationSessions[conversationID] {
		if sub, ok := r.Sessions[sessionID]; ok {
			distinct[sub.identityID] = struct{}{}
		}
	}
	identities := make([]domain.IdentityID, 0, len(distinct))
	for id := range distinct {
		identities = append(identities, id)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i] < identities[j] })
	return identities
}

// leave must be called with the lock held. Empty sets are removed so the map
// does not grow with every conversation ever opened.
func (r *Registry) leave(sessionID string, conversationID domain.ConversationID) {
	if sessions, ok := r.ConversationSessions[conversationID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.ConversationSessions, conversationID)
		}
	}
}
