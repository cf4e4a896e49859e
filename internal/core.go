package internal

import (
	"campus-chat/auth"
	"campus-chat/contract"
	"campus-chat/observability"
	"campus-chat/repositories"
	"campus-chat/runtime"
	"campus-chat/runtime/workers"
	"campus-chat/services"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type CoreOptions struct {
	LimitMessages  *int
	BufferSize     int
	SinkTimeout    time.Duration
	PublishTimeout time.Duration
	MetricInterval time.Duration
	Attachments    contract.AttachmentStore
	Tokenizer      *auth.Tokenizer
}

// Core holds every store and service of the messaging core, wired on one
// Badger database. The orchestrator is created but not started.
type Core struct {
	Identities    *repositories.IdentityRepository
	Conversations *repositories.ConversationRepository
	Memberships   *repositories.MembershipRepository
	Messages      *repositories.MessageRepository
	Blocks        *repositories.BlockRepository
	Monitor       *observability.MonitoringManager
	Registry      *runtime.Registry
	Orchestrator  *runtime.Orchestrator
	Resolver      *services.ConversationResolver
	Members       *services.MembershipManager
	BlockRegistry *services.BlockRegistry
	Gateway       *services.MessagingGateway
	Auth          *services.AuthService
}

func NewCore(log *slog.Logger, db *badger.DB, options CoreOptions) (*Core, error) {
	messages, err := repositories.NewMessageRepository(db, log, options.LimitMessages)
	if err != nil {
		return nil, fmt.Errorf("message repository: %w", err)
	}
	c := &Core{
		Identities:    repositories.NewIdentityRepository(db, log),
		Conversations: repositories.NewConversationRepository(db, log),
		Memberships:   repositories.NewMembershipRepository(db, log),
		Messages:      messages,
		Blocks:        repositories.NewBlockRepository(db, log),
		Monitor:       observability.NewMonitoringManager(log),
		Registry:      runtime.NewRegistry(),
	}
	c.Orchestrator = runtime.NewOrchestrator(log, workers.NewSupervisor(log), c.Registry, c.Monitor,
		options.BufferSize, options.SinkTimeout, options.PublishTimeout, options.MetricInterval)
	c.Resolver = services.NewConversationResolver(log, c.Identities, c.Conversations, c.Memberships)
	c.Members = services.NewMembershipManager(log, c.Identities, c.Conversations, c.Memberships, c.Orchestrator)
	c.BlockRegistry = services.NewBlockRegistry(log, c.Blocks, c.Conversations, c.Memberships)
	c.Gateway = services.NewMessagingGateway(log, c.Identities, options.Attachments, c.Orchestrator,
		c.Resolver, c.BlockRegistry, c.Conversations, c.Memberships, c.Messages, c.Monitor)
	if options.Tokenizer != nil {
		c.Auth = services.NewAuthService(c.Identities, options.Tokenizer)
	}
	return c, nil
}

// Close releases the message sequence. The database is owned by the caller.
func (c *Core) Close() error {
	return c.Messages.Close()
}
