package client

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/projection"
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Session is the state a UI renders. Local timelines only change from the
// live subscription and history fetches, never from the result of Send.
// Every asynchronous completion carries the generation it was started under
// and is dropped once the selection moved on.
type Session struct {
	mu            sync.Mutex
	log           *slog.Logger
	transport     Transport
	conversations []domain.ConversationSummary
	timelines     map[domain.ConversationID]*projection.Timeline
	selected      domain.ConversationID
	presence      int
	generation    uint64
	subscription  Subscription
	changes       chan struct{}
	wg            sync.WaitGroup
}

func NewSession(log *slog.Logger, transport Transport) *Session {
	return &Session{
		log:       log,
		transport: transport,
		timelines: make(map[domain.ConversationID]*projection.Timeline),
		changes:   make(chan struct{}, 1),
	}
}

// Changes is signalled, coalesced, whenever the state changed.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// RefreshConversations reloads the conversation list.
func (s *Session) RefreshConversations(ctx context.Context) error {
	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	conversations, err := s.transport.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return nil
	}
	s.conversations = conversations
	s.notify()
	return nil
}

// Select makes conversationID the open conversation: the previous
// subscription is closed, a new one opened, then the history is fetched and
// merged with whatever arrived live in between.
func (s *Session) Select(ctx context.Context, conversationID domain.ConversationID) error {
	// 1. Invalidate everything in flight and drop the previous subscription
	s.mu.Lock()
	s.generation++
	generation := s.generation
	previous := s.subscription
	s.subscription = nil
	s.selected = conversationID
	s.presence = 0
	if _, ok := s.timelines[conversationID]; !ok {
		s.timelines[conversationID] = projection.NewTimeline(conversationID)
	}
	s.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	// 2. Subscribe
	if err := s.subscribe(ctx, generation, conversationID); err != nil {
		s.mu.Lock()
		if generation == s.generation {
			s.selected = ""
		}
		s.mu.Unlock()
		return err
	}

	// 3. History
	return s.sync(ctx, generation, conversationID)
}

// subscribe opens the live channel and starts its listener unless the
// generation moved on meanwhile.
func (s *Session) subscribe(ctx context.Context, generation uint64, conversationID domain.ConversationID) error {
	subscription, err := s.transport.Subscribe(ctx, conversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		_ = subscription.Close()
		return nil
	}
	s.subscription = subscription
	s.wg.Add(1)
	s.mu.Unlock()
	go s.listen(generation, subscription)
	return nil
}

// sync fetches every message after the last one of the local timeline, page
// by page, then merges them. The server caps each page, so it stops on the
// first empty one.
func (s *Session) sync(ctx context.Context, generation uint64, conversationID domain.ConversationID) error {
	s.mu.Lock()
	timeline, ok := s.timelines[conversationID]
	if generation != s.generation || !ok {
		s.mu.Unlock()
		return nil
	}
	cursor := timeline.LastID()
	s.mu.Unlock()

	var fetched []domain.Message
	after := cursor
	for {
		page, err := s.transport.ListMessages(ctx, conversationID, after)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		fetched = append(fetched, page...)
		last := page[len(page)-1].ID
		after = &last

		s.mu.Lock()
		stale := generation != s.generation
		s.mu.Unlock()
		if stale {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	timeline, ok = s.timelines[conversationID]
	if generation != s.generation || !ok {
		return nil
	}
	timeline.MergeSince(cursor, fetched)
	s.notify()
	return nil
}

// listen applies the events of one subscription. When the subscription ends
// while still current, the server dropped it: the session subscribes again
// and catches up on what it missed.
func (s *Session) listen(generation uint64, subscription Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-subscription.Done():
			s.resume(generation, subscription)
			return
		case evt := <-subscription.Events():
			if !s.apply(generation, evt) {
				return
			}
		}
	}
}

func (s *Session) resume(generation uint64, subscription Subscription) {
	s.mu.Lock()
	if generation != s.generation || s.subscription != subscription {
		s.mu.Unlock()
		return
	}
	s.subscription = nil
	conversationID := s.selected
	s.mu.Unlock()

	s.log.Debug("Subscription lost, resubscribing", "conversation", conversationID)
	ctx := context.Background()
	if err := s.subscribe(ctx, generation, conversationID); err != nil {
		s.log.Warn("Resubscribe failed", "conversation", conversationID, "error", err)
		return
	}
	if err := s.sync(ctx, generation, conversationID); err != nil {
		s.log.Warn("Catch up failed", "conversation", conversationID, "error", err)
	}
}

// apply reports false once the subscription is stale.
func (s *Session) apply(generation uint64, evt event.DomainEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return false
	}
	switch e := evt.(type) {
	case event.MessagePosted:
		timeline, ok := s.timelines[e.ConversationID()]
		if ok && timeline.Consume(e) {
			s.notify()
		}
	case event.PresenceSynced:
		if e.Conversation == s.selected {
			s.presence = e.Count()
			s.notify()
		}
	case event.ConversationDeleted:
		s.forget(e.Conversation)
		return generation == s.generation
	}
	return true
}

// Send posts to the selected conversation unless message names a target.
// The local timeline is updated by the broadcast, not here.
func (s *Session) Send(ctx context.Context, message Outgoing) (Sent, error) {
	if message.ConversationID == "" && message.DirectoryID == "" {
		s.mu.Lock()
		message.ConversationID = s.selected
		s.mu.Unlock()
	}
	return s.transport.Send(ctx, message)
}

// DeleteConversation deletes on the server then forgets the conversation
// locally. Warnings report cascade steps that did not complete.
func (s *Session) DeleteConversation(ctx context.Context, conversationID domain.ConversationID) ([]string, error) {
	warnings, err := s.transport.DeleteConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.forget(conversationID)
	s.mu.Unlock()
	return warnings, nil
}

// forget must be called with the lock held. Clearing the selection bumps the
// generation so the listener of the deleted conversation stops.
func (s *Session) forget(conversationID domain.ConversationID) {
	s.conversations = slices.DeleteFunc(s.conversations, func(c domain.ConversationSummary) bool {
		return c.ID == conversationID
	})
	delete(s.timelines, conversationID)
	s.log.Debug("Conversation forgotten", "conversation", conversationID, "selected", s.selected == conversationID)
	if s.selected == conversationID {
		s.selected = ""
		s.presence = 0
		s.generation++
		if s.subscription != nil {
			subscription := s.subscription
			s.subscription = nil
			go func() { _ = subscription.Close() }()
		}
	}
	s.notify()
}

// Close drops the subscription and waits for its listener.
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	subscription := s.subscription
	s.subscription = nil
	s.selected = ""
	s.mu.Unlock()
	if subscription != nil {
		_ = subscription.Close()
	}
	s.wg.Wait()
}

func (s *Session) Selected() domain.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) Presence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

func (s *Session) Conversations() []domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// Messages returns a copy of the timeline of a conversation.
func (s *Session) Messages(conversationID domain.ConversationID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline, ok := s.timelines[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(timeline.Messages)
}
