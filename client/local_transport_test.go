package client

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/internal"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type nopAttachments struct{}

func (nopAttachments) Upload(_ context.Context, _ []byte, category string) (string, error) {
	return "/attachments/" + category + "/file.png", nil
}

func newCore(t *testing.T, options ...func(*internal.CoreOptions)) *internal.Core {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)
	coreOptions := internal.CoreOptions{
		BufferSize:     64,
		SinkTimeout:    200 * time.Millisecond,
		PublishTimeout: 200 * time.Millisecond,
		MetricInterval: time.Second,
		Attachments:    nopAttachments{},
	}
	for _, option := range options {
		option(&coreOptions)
	}
	core, err := internal.NewCore(log, db, coreOptions)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = core.Orchestrator.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = core.Close()
		_ = db.Close()
	})
	return core
}

func saveIdentity(t *testing.T, core *internal.Core, name string, directoryID domain.DirectoryID) domain.Identity {
	t.Helper()
	identity := domain.Identity{ID: domain.IdentityID("id-" + string(directoryID)), DisplayName: name, DirectoryID: directoryID}
	require.NoError(t, core.Identities.SaveIdentity(identity))
	return identity
}

func localSession(t *testing.T, core *internal.Core, identity domain.Identity) (*Session, *LocalTransport) {
	t.Helper()
	transport := NewLocalTransport(identity.ID, 16, core.Gateway, core.Resolver, core.Members, core.Orchestrator)
	return newSession(t, transport), transport
}

func TestLocalTransport_Live_Delivery_Between_Sessions(t *testing.T) {
	req := require.New(t)
	core := newCore(t)
	ctx := context.Background()
	alice := saveIdentity(t, core, "Alice", "S1001")
	bob := saveIdentity(t, core, "Bob", "S1002")
	aliceSession, aliceTransport := localSession(t, core, alice)
	bobSession, _ := localSession(t, core, bob)

	// Given Alice opens a direct conversation with Bob and both open it
	conversationID, err := aliceTransport.OpenDirect(ctx, bob.DirectoryID)
	req.NoError(err)
	req.NoError(bobSession.RefreshConversations(ctx))
	req.Len(bobSession.Conversations(), 1)
	req.Equal("Alice", bobSession.Conversations()[0].DisplayName)
	req.NoError(aliceSession.Select(ctx, conversationID))
	req.NoError(bobSession.Select(ctx, conversationID))
	req.Eventually(func() bool { return aliceSession.Presence() == 2 }, time.Second, 5*time.Millisecond)

	// When Alice sends
	sent, err := aliceSession.Send(ctx, Outgoing{Body: "hello bob"})
	req.NoError(err)
	req.Empty(sent.Warnings)

	// Then both timelines receive it once
	req.Eventually(func() bool { return len(bobSession.Messages(conversationID)) == 1 }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool { return len(aliceSession.Messages(conversationID)) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal(sent.Message.ID, bobSession.Messages(conversationID)[0].ID)

	// When Bob closes his session, presence drops to one
	bobSession.Close()
	req.Eventually(func() bool { return aliceSession.Presence() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalTransport_Subscribe_Requires_Membership(t *testing.T) {
	req := require.New(t)
	core := newCore(t)
	ctx := context.Background()
	alice := saveIdentity(t, core, "Alice", "S1001")
	bob := saveIdentity(t, core, "Bob", "S1002")
	carol := saveIdentity(t, core, "Carol", "S1003")

	conversationID, err := core.Resolver.ResolveDirect(ctx, alice.ID, bob.DirectoryID)
	req.NoError(err)

	carolSession, _ := localSession(t, core, carol)
	req.ErrorIs(carolSession.Select(ctx, conversationID), errors.ErrNotAMember)
}

func TestLocalTransport_Delete_Clears_Other_Sessions(t *testing.T) {
	req := require.New(t)
	core := newCore(t)
	ctx := context.Background()
	alice := saveIdentity(t, core, "Alice", "S1001")
	bob := saveIdentity(t, core, "Bob", "S1002")

	created, err := core.Resolver.CreateGroup(ctx, alice.ID, "Robotics Club", []domain.DirectoryID{bob.DirectoryID})
	req.NoError(err)

	aliceSession, _ := localSession(t, core, alice)
	bobSession, _ := localSession(t, core, bob)
	req.NoError(bobSession.Select(ctx, created.ConversationID))
	req.Eventually(func() bool { return bobSession.Presence() == 1 }, time.Second, 5*time.Millisecond)

	// When Alice deletes the group
	_, err = aliceSession.DeleteConversation(ctx, created.ConversationID)
	req.NoError(err)

	// Then Bob's selection is cleared by the broadcast
	req.Eventually(func() bool { return bobSession.Selected() == "" }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool { return len(core.Registry.Presence(created.ConversationID)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalTransport_Select_Pages_Limited_History(t *testing.T) {
	req := require.New(t)
	limit := 2
	core := newCore(t, func(options *internal.CoreOptions) { options.LimitMessages = &limit })
	ctx := context.Background()
	alice := saveIdentity(t, core, "Alice", "S1001")
	bob := saveIdentity(t, core, "Bob", "S1002")
	aliceSession, aliceTransport := localSession(t, core, alice)
	bobSession, _ := localSession(t, core, bob)

	// Given Alice posted three messages while every page holds two
	conversationID, err := aliceTransport.OpenDirect(ctx, bob.DirectoryID)
	req.NoError(err)
	for _, body := range []string{"one", "two", "three"} {
		_, err = aliceSession.Send(ctx, Outgoing{ConversationID: conversationID, Body: body})
		req.NoError(err)
	}

	// When Bob opens the conversation
	req.NoError(bobSession.Select(ctx, conversationID))

	// Then he sees the whole history in order
	req.Equal([]string{"one", "two", "three"}, bodies(bobSession.Messages(conversationID)))
}

func TestLocalTransport_Stalled_Session_Catches_Up(t *testing.T) {
	req := require.New(t)
	core := newCore(t)
	ctx := context.Background()
	alice := saveIdentity(t, core, "Alice", "S1001")
	bob := saveIdentity(t, core, "Bob", "S1002")
	aliceSession, aliceTransport := localSession(t, core, alice)
	bobTransport := &stallingTransport{LocalTransport: NewLocalTransport(bob.ID, 1,
		core.Gateway, core.Resolver, core.Members, core.Orchestrator)}
	bobSession := newSession(t, bobTransport)

	conversationID, err := aliceTransport.OpenDirect(ctx, bob.DirectoryID)
	req.NoError(err)
	_, err = aliceSession.Send(ctx, Outgoing{ConversationID: conversationID, Body: "one"})
	req.NoError(err)

	// Given Bob's first subscription never reads its events
	req.NoError(bobSession.Select(ctx, conversationID))
	req.NoError(aliceSession.Select(ctx, conversationID))

	// When Alice keeps posting while his sink is full
	for _, body := range []string{"two", "three", "four"} {
		_, err = aliceSession.Send(ctx, Outgoing{Body: body})
		req.NoError(err)
	}

	// Then the stalled subscription is evicted, Bob subscribes again
	// and ends with the complete timeline
	req.Eventually(func() bool { return bobTransport.subscriptions() == 2 }, 2*time.Second, 10*time.Millisecond)
	req.Eventually(func() bool { return len(bobSession.Messages(conversationID)) == 4 }, 2*time.Second, 10*time.Millisecond)
	req.Equal([]string{"one", "two", "three", "four"}, bodies(bobSession.Messages(conversationID)))
	req.Eventually(func() bool { return aliceSession.Presence() == 2 }, 2*time.Second, 10*time.Millisecond)
}

// stallingTransport hands out a first subscription whose events are never
// read, as a client that stopped draining its connection.
type stallingTransport struct {
	*LocalTransport
	mu    sync.Mutex
	count int
}

func (s *stallingTransport) Subscribe(ctx context.Context, conversationID domain.ConversationID) (Subscription, error) {
	subscription, err := s.LocalTransport.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.count == 1 {
		return stalledSubscription{Subscription: subscription}, nil
	}
	return subscription, nil
}

func (s *stallingTransport) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type stalledSubscription struct {
	Subscription
}

func (stalledSubscription) Events() <-chan event.DomainEvent {
	return nil
}

func bodies(messages []domain.Message) []string {
	res := make([]string, 0, len(messages))
	for _, m := range messages {
		res = append(res, m.Body)
	}
	return res
}
