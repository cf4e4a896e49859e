package services

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/errors"
	"campus-chat/repositories"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IConversationResolver interface {
	ResolveDirect(ctx context.Context, selfID domain.IdentityID, directoryID domain.DirectoryID) (domain.ConversationID, error)
	ComputeDisplayName(ctx context.Context, conversationID domain.ConversationID, viewerID domain.IdentityID) (string, error)
	CreateGroup(ctx context.Context, creatorID domain.IdentityID, name string, memberDirectoryIDs []domain.DirectoryID) (GroupCreated, error)
}

// GroupCreated reports the directory ids that could not be resolved and were left out.
type GroupCreated struct {
	ConversationID domain.ConversationID
	Dropped        []domain.DirectoryID
}

type ConversationResolver struct {
	log           *slog.Logger
	directory     contract.IdentityDirectory
	conversations repositories.IConversationRepository
	memberships   repositories.IMembershipRepository
}

func NewConversationResolver(log *slog.Logger, directory contract.IdentityDirectory,
	conversations repositories.IConversationRepository,
	memberships repositories.IMembershipRepository) *ConversationResolver {
	return &ConversationResolver{
		log:           log,
		directory:     directory,
		conversations: conversations,
		memberships:   memberships,
	}
}

// ResolveDirect returns the direct conversation between selfID and the identity
// behind directoryID, creating it on first contact.
func (r *ConversationResolver) ResolveDirect(ctx context.Context, selfID domain.IdentityID, directoryID domain.DirectoryID) (domain.ConversationID, error) {
	// 1. Both parties must resolve before anything is written
	target, err := r.directory.LookupByDirectoryID(ctx, directoryID)
	if err != nil {
		return "", err
	}
	if target.ID == selfID {
		return "", fmt.Errorf("%w: a direct conversation needs two distinct identities", errors.ErrInvalidArgument)
	}
	self, err := r.directory.LookupByID(ctx, selfID)
	if err != nil {
		return "", err
	}

	// 2. Find or create through the pair index, atomically
	now := time.Now().UTC()
	conversation, created, err := r.conversations.CreateDirect(domain.Conversation{
		ID:           domain.ConversationID(uuid.NewString()),
		DisplayName:  fmt.Sprintf("%s, %s", self.Name(), target.Name()),
		Kind:         domain.Direct,
		CreatedBy:    self.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []domain.IdentityID{self.ID, target.ID},
	})
	if err != nil {
		return "", err
	}
	if created {
		r.log.Info("Direct conversation created", "conversation", conversation.ID, "creator", self.ID, "target", target.ID)
	}
	return conversation.ID, nil
}

// ComputeDisplayName names a direct conversation after the party the viewer
// talks to. A relic keeps the name of the pair it was created for.
func (r *ConversationResolver) ComputeDisplayName(ctx context.Context, conversationID domain.ConversationID, viewerID domain.IdentityID) (string, error) {
	conversation, err := r.conversations.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	return r.displayName(ctx, conversation, viewerID)
}

func (r *ConversationResolver) displayName(ctx context.Context, conversation domain.Conversation, viewerID domain.IdentityID) (string, error) {
	if !conversation.IsDirect() {
		return conversation.DisplayName, nil
	}

	members, err := r.memberships.ListMembers(conversation.ID)
	if err != nil {
		return "", err
	}
	others := lo.Filter(members, func(m domain.Membership, _ int) bool {
		return m.IdentityID != viewerID
	})

	var otherID domain.IdentityID
	if len(others) > 0 {
		otherID = others[0].IdentityID
	} else if counterpart, ok := conversation.Counterpart(viewerID); ok {
		otherID = counterpart
	} else {
		return domain.UnknownUser, nil
	}

	identity, err := r.directory.LookupByID(ctx, otherID)
	switch {
	case stderrors.Is(err, errors.ErrIdentityNotFound):
		return domain.UnknownUser, nil
	case err != nil:
		return "", err
	}
	return identity.Name(), nil
}

// CreateGroup creates a named group. Directory ids that do not resolve are
// dropped and reported, the creator is the only admin.
func (r *ConversationResolver) CreateGroup(ctx context.Context, creatorID domain.IdentityID, name string, memberDirectoryIDs []domain.DirectoryID) (GroupCreated, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return GroupCreated{}, fmt.Errorf("%w: a group needs a name", errors.ErrInvalidArgument)
	}
	creator, err := r.directory.LookupByID(ctx, creatorID)
	if err != nil {
		return GroupCreated{}, err
	}

	var resolved []domain.Identity
	var dropped []domain.DirectoryID
	for _, directoryID := range lo.Uniq(memberDirectoryIDs) {
		identity, err := r.directory.LookupByDirectoryID(ctx, directoryID)
		switch {
		case stderrors.Is(err, errors.ErrIdentityNotFound):
			dropped = append(dropped, directoryID)
			continue
		case err != nil:
			return GroupCreated{}, err
		}
		resolved = append(resolved, identity)
	}

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:          domain.ConversationID(uuid.NewString()),
		DisplayName: name,
		Kind:        domain.Group,
		CreatedBy:   creator.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	members := []domain.Membership{{ConversationID: conversation.ID, IdentityID: creator.ID, IsAdmin: true}}
	for _, identity := range lo.UniqBy(resolved, func(i domain.Identity) domain.IdentityID { return i.ID }) {
		if identity.ID == creator.ID {
			continue
		}
		members = append(members, domain.Membership{ConversationID: conversation.ID, IdentityID: identity.ID})
	}

	if err = r.conversations.CreateGroup(conversation, members); err != nil {
		return GroupCreated{}, err
	}
	r.log.Info("Group created", "conversation", conversation.ID, "members", len(members), "dropped", len(dropped))
	return GroupCreated{ConversationID: conversation.ID, Dropped: dropped}, nil
}
