package services

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/observability"
	"campus-chat/repositories"
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// SendState is a step of the send pipeline.
type SendState string

const (
	Validating       SendState = "validating"
	BlockCheck       SendState = "block_check"
	AttachmentUpload SendState = "attachment_upload"
	Persisting       SendState = "persisting"
	Broadcast        SendState = "broadcast"
	Done             SendState = "done"
)

const defaultAttachmentCategory = "chat-image"

// SendRejected tells in which state a send stopped. Nothing was persisted.
type SendRejected struct {
	State SendState
	Err   error
}

func (s *SendRejected) Error() string {
	return s.Err.Error()
}

func (s *SendRejected) Unwrap() error {
	return s.Err
}

// SendCommand targets either ConversationID or, when empty, the direct
// conversation with the identity behind DirectoryID.
type SendCommand struct {
	SenderID       domain.IdentityID
	ConversationID domain.ConversationID
	DirectoryID    domain.DirectoryID
	Body           string
	Attachment     *domain.Attachment
}

type SendResult struct {
	Message  domain.Message
	Warnings []string
}

type IMessagingGateway interface {
	Send(ctx context.Context, cmd SendCommand) (SendResult, error)
	ListConversations(ctx context.Context, identityID domain.IdentityID) ([]domain.ConversationSummary, error)
	ListMessages(ctx context.Context, viewerID domain.IdentityID, conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error)
	CanView(ctx context.Context, viewerID domain.IdentityID, conversationID domain.ConversationID) error
	BlockOtherParty(ctx context.Context, conversationID domain.ConversationID, blockerID domain.IdentityID) (BlockResult, error)
}

type MessagingGateway struct {
	log           *slog.Logger
	directory     contract.IdentityDirectory
	attachments   contract.AttachmentStore
	publisher     contract.Publisher
	resolver      IConversationResolver
	blocks        IBlockRegistry
	conversations repositories.IConversationRepository
	memberships   repositories.IMembershipRepository
	messages      repositories.IMessageRepository
	monitor       *observability.MonitoringManager
	locks         *stripedLock
}

func NewMessagingGateway(log *slog.Logger,
	directory contract.IdentityDirectory,
	attachments contract.AttachmentStore,
	publisher contract.Publisher,
	resolver IConversationResolver,
	blocks IBlockRegistry,
	conversations repositories.IConversationRepository,
	memberships repositories.IMembershipRepository,
	messages repositories.IMessageRepository,
	monitor *observability.MonitoringManager) *MessagingGateway {
	return &MessagingGateway{
		log:           log,
		directory:     directory,
		attachments:   attachments,
		publisher:     publisher,
		resolver:      resolver,
		blocks:        blocks,
		conversations: conversations,
		memberships:   memberships,
		messages:      messages,
		monitor:       monitor,
		locks:         newStripedLock(64),
	}
}

// Send walks validating, block check, attachment upload, persisting and
// broadcast. Any rejection happens before the message is stored. A failed
// broadcast after persistence is reported as a warning.
func (g *MessagingGateway) Send(ctx context.Context, cmd SendCommand) (SendResult, error) {
	// 1. Validating
	body := strings.TrimSpace(cmd.Body)
	hasAttachment := cmd.Attachment != nil && len(cmd.Attachment.Data) > 0
	if body == "" && !hasAttachment {
		return SendResult{}, g.reject(Validating, errors.ErrEmptyMessage)
	}
	sender, err := g.directory.LookupByID(ctx, cmd.SenderID)
	if err != nil {
		return SendResult{}, g.reject(Validating, err)
	}
	conversationID := cmd.ConversationID
	if conversationID == "" {
		if cmd.DirectoryID == "" {
			return SendResult{}, g.reject(Validating, fmt.Errorf("%w: no recipient", errors.ErrInvalidArgument))
		}
		if conversationID, err = g.resolver.ResolveDirect(ctx, sender.ID, cmd.DirectoryID); err != nil {
			return SendResult{}, g.reject(Validating, err)
		}
	}
	conversation, err := g.conversations.GetConversation(conversationID)
	if err != nil {
		return SendResult{}, g.reject(Validating, err)
	}
	_, isMember, err := g.memberships.GetMember(conversationID, sender.ID)
	if err != nil {
		return SendResult{}, g.reject(Validating, err)
	}
	// A party removed from its own direct conversation is turned away by the
	// block check, not told it lost its membership.
	if _, inPair := conversation.Counterpart(sender.ID); !isMember && !inPair {
		return SendResult{}, g.reject(Validating, errors.ErrNotAMember)
	}

	// 2. BlockCheck
	if conversation.IsDirect() {
		if err = g.checkDirect(ctx, conversation, sender.ID); err != nil {
			return SendResult{}, g.reject(BlockCheck, err)
		}
	}

	// 3. AttachmentUpload
	var attachmentURL string
	if hasAttachment {
		category := cmd.Attachment.Category
		if category == "" {
			category = defaultAttachmentCategory
		}
		if attachmentURL, err = g.attachments.Upload(ctx, cmd.Attachment.Data, category); err != nil {
			return SendResult{}, g.reject(AttachmentUpload, fmt.Errorf("%w: %v", errors.ErrUploadFailed, err))
		}
	}

	// 4. Persisting and 5. Broadcast, serialised per conversation so that
	// subscribers observe the storage order
	unlock := g.locks.lock(string(conversationID))
	defer unlock()

	stored, err := g.messages.Append(domain.Message{
		ConversationID:    conversationID,
		SenderID:          sender.ID,
		SenderDisplayName: sender.Name(),
		Body:              body,
		AttachmentURL:     attachmentURL,
	})
	if err != nil {
		return SendResult{}, g.reject(Persisting, err)
	}
	g.monitor.IncrMessagesSent()

	result := SendResult{Message: stored}
	if err = g.publisher.Publish(ctx, event.MessagePosted{Message: stored}); err != nil {
		g.monitor.IncrBroadcastWarnings()
		g.log.Warn("Message stored but not broadcast", "conversation", conversationID, "message", stored.ID, "error", err)
		result.Warnings = append(result.Warnings, errors.NewPartialFailure(string(Broadcast), err).Error())
	}
	g.log.Debug("Message sent", "conversation", conversationID, "message", stored.ID, "kind", stored.Kind, "state", Done)
	return result, nil
}

// checkDirect refuses relics and pairs with a block in either direction.
func (g *MessagingGateway) checkDirect(ctx context.Context, conversation domain.Conversation, senderID domain.IdentityID) error {
	count, err := g.memberships.CountMembers(conversation.ID)
	if err != nil {
		return err
	}
	if count < 2 {
		return errors.ErrBlocked
	}
	other, ok := conversation.Counterpart(senderID)
	if !ok {
		return errors.ErrBlocked
	}
	blocked, err := g.blocks.IsBlocked(ctx, senderID, other)
	if err != nil {
		return err
	}
	if blocked {
		return errors.ErrBlocked
	}
	return nil
}

func (g *MessagingGateway) reject(state SendState, err error) error {
	code := errors.Code(err)
	g.monitor.IncrSendRejected(string(state), code)
	g.log.Debug("Send rejected", "state", state, "code", code, "error", err)
	return &SendRejected{State: state, Err: err}
}

// ListConversations returns the conversations of identityID named for that
// viewer, most recently updated first.
func (g *MessagingGateway) ListConversations(ctx context.Context, identityID domain.IdentityID) ([]domain.ConversationSummary, error) {
	conversationIDs, err := g.memberships.ConversationsOf(identityID)
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ConversationSummary, 0, len(conversationIDs))
	for _, conversationID := range conversationIDs {
		conversation, err := g.conversations.GetConversation(conversationID)
		if stderrors.Is(err, errors.ErrNotFound) {
			// deleted between the two reads
			continue
		}
		if err != nil {
			return nil, err
		}
		name, err := g.resolver.ComputeDisplayName(ctx, conversationID, identityID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.ConversationSummary{
			ID:          conversation.ID,
			DisplayName: name,
			Kind:        conversation.Kind,
			UpdatedAt:   conversation.UpdatedAt,
		})
	}
	slices.SortStableFunc(summaries, func(a, b domain.ConversationSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return summaries, nil
}

// ListMessages returns the history of a conversation the viewer belongs to,
// strictly after afterID when given.
func (g *MessagingGateway) ListMessages(ctx context.Context, viewerID domain.IdentityID, conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error) {
	if err := g.CanView(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}
	return g.messages.ListSince(conversationID, afterID)
}

// CanView fails with NotFound or NotAMember unless the viewer currently
// belongs to the conversation.
func (g *MessagingGateway) CanView(_ context.Context, viewerID domain.IdentityID, conversationID domain.ConversationID) error {
	if _, err := g.conversations.GetConversation(conversationID); err != nil {
		return err
	}
	_, isMember, err := g.memberships.GetMember(conversationID, viewerID)
	if err != nil {
		return err
	}
	if !isMember {
		return errors.ErrNotAMember
	}
	return nil
}

// BlockOtherParty blocks the counterpart of a direct conversation.
func (g *MessagingGateway) BlockOtherParty(ctx context.Context, conversationID domain.ConversationID, blockerID domain.IdentityID) (BlockResult, error) {
	conversation, err := g.conversations.GetConversation(conversationID)
	if err != nil {
		return BlockResult{}, err
	}
	if !conversation.IsDirect() {
		return BlockResult{}, fmt.Errorf("%w: only direct conversations have another party", errors.ErrInvalidArgument)
	}
	other, ok := conversation.Counterpart(blockerID)
	if !ok {
		return BlockResult{}, errors.ErrNotAMember
	}
	return g.blocks.Block(ctx, blockerID, other)
}

// stripedLock maps keys onto a fixed set of mutexes.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}
