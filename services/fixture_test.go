package services

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/observability"
	"campus-chat/repositories"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e event.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) posted() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var messages []domain.Message
	for _, e := range p.events {
		if posted, ok := e.(event.MessagePosted); ok {
			messages = append(messages, posted.Message)
		}
	}
	return messages
}

type fakeAttachments struct {
	uploads int
	err     error
}

func (f *fakeAttachments) Upload(_ context.Context, data []byte, category string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads++
	return fmt.Sprintf("/attachments/%s/%d.png", category, f.uploads), nil
}

// fixture wires every service on a Badger store opened in a temporary directory.
type fixture struct {
	log           *slog.Logger
	db            *badger.DB
	identities    *repositories.IdentityRepository
	conversations *repositories.ConversationRepository
	memberships   *repositories.MembershipRepository
	messages      *repositories.MessageRepository
	blocks        *repositories.BlockRepository
	publisher     *recordingPublisher
	attachments   *fakeAttachments
	monitor       *observability.MonitoringManager
	resolver      *ConversationResolver
	manager       *MembershipManager
	blockRegistry *BlockRegistry
	gateway       *MessagingGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)

	messages, err := repositories.NewMessageRepository(db, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = messages.Close()
		_ = db.Close()
	})

	f := &fixture{
		log:           log,
		db:            db,
		identities:    repositories.NewIdentityRepository(db, log),
		conversations: repositories.NewConversationRepository(db, log),
		memberships:   repositories.NewMembershipRepository(db, log),
		messages:      messages,
		blocks:        repositories.NewBlockRepository(db, log),
		publisher:     &recordingPublisher{},
		attachments:   &fakeAttachments{},
		monitor:       observability.NewMonitoringManager(log),
	}
	f.resolver = NewConversationResolver(log, f.identities, f.conversations, f.memberships)
	f.manager = NewMembershipManager(log, f.identities, f.conversations, f.memberships, f.publisher)
	f.blockRegistry = NewBlockRegistry(log, f.blocks, f.conversations, f.memberships)
	f.gateway = f.newGateway(f.attachments, f.publisher)
	return f
}

func (f *fixture) newGateway(attachments contract.AttachmentStore, publisher contract.Publisher) *MessagingGateway {
	return NewMessagingGateway(f.log, f.identities, attachments, publisher,
		f.resolver, f.blockRegistry, f.conversations, f.memberships, f.messages, f.monitor)
}

func (f *fixture) identity(t *testing.T, name string, directoryID domain.DirectoryID) domain.Identity {
	t.Helper()
	identity := domain.Identity{
		ID:          domain.IdentityID("id-" + string(directoryID)),
		DisplayName: name,
		DirectoryID: directoryID,
	}
	require.NoError(t, f.identities.SaveIdentity(identity))
	return identity
}

func (f *fixture) direct(t *testing.T, self, other domain.Identity) domain.ConversationID {
	t.Helper()
	conversationID, err := f.resolver.ResolveDirect(context.Background(), self.ID, other.DirectoryID)
	require.NoError(t, err)
	return conversationID
}

func (f *fixture) memberIDs(t *testing.T, conversationID domain.ConversationID) []domain.IdentityID {
	t.Helper()
	members, err := f.memberships.ListMembers(conversationID)
	require.NoError(t, err)
	ids := make([]domain.IdentityID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.IdentityID)
	}
	return ids
}
