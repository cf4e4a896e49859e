package services

import (
	"campus-chat/contract"
	"campus-chat/domain"
	"campus-chat/domain/event"
	"campus-chat/errors"
	"campus-chat/repositories"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type IMembershipManager interface {
	AddMember(ctx context.Context, conversationID domain.ConversationID, directoryID domain.DirectoryID) error
	RemoveMember(ctx context.Context, conversationID domain.ConversationID, directoryID domain.DirectoryID) error
	ListMembersWithProfiles(ctx context.Context, conversationID domain.ConversationID) ([]domain.MemberProfile, error)
	Rename(ctx context.Context, conversationID domain.ConversationID, name string) error
	DeleteConversation(ctx context.Context, conversationID domain.ConversationID) (DeleteResult, error)
}

// DeleteResult is returned once the conversation itself is gone.
// Warnings lists the follow-up steps that did not complete.
type DeleteResult struct {
	Warnings []string
}

type MembershipManager struct {
	log           *slog.Logger
	directory     contract.IdentityDirectory
	conversations repositories.IConversationRepository
	memberships   repositories.IMembershipRepository
	publisher     contract.Publisher
}

func NewMembershipManager(log *slog.Logger, directory contract.IdentityDirectory,
	conversations repositories.IConversationRepository,
	memberships repositories.IMembershipRepository,
	publisher contract.Publisher) *MembershipManager {
	return &MembershipManager{
		log:           log,
		directory:     directory,
		conversations: conversations,
		memberships:   memberships,
		publisher:     publisher,
	}
}

// AddMember adds a plain member to a group. A direct conversation keeps its pair.
func (m *MembershipManager) AddMember(ctx context.Context, conversationID domain.ConversationID, directoryID domain.DirectoryID) error {
	identity, err := m.directory.LookupByDirectoryID(ctx, directoryID)
	if err != nil {
		return err
	}
	conversation, err := m.conversations.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation.IsDirect() {
		return fmt.Errorf("%w: members cannot be added to a direct conversation", errors.ErrInvalidArgument)
	}
	if err = m.memberships.AddMember(domain.Membership{ConversationID: conversationID, IdentityID: identity.ID}); err != nil {
		return err
	}
	m.log.Debug("Member added", "conversation", conversationID, "identity", identity.ID)
	return nil
}

// RemoveMember succeeds without effect when the identity is not a member.
func (m *MembershipManager) RemoveMember(ctx context.Context, conversationID domain.ConversationID, directoryID domain.DirectoryID) error {
	identity, err := m.directory.LookupByDirectoryID(ctx, directoryID)
	if err != nil {
		return err
	}
	if _, err = m.conversations.GetConversation(conversationID); err != nil {
		return err
	}
	removed, err := m.memberships.RemoveMember(conversationID, identity.ID)
	if err != nil {
		return err
	}
	if !removed {
		m.log.Debug("Nothing to remove", "conversation", conversationID, "identity", identity.ID)
		return nil
	}
	m.log.Debug("Member removed", "conversation", conversationID, "identity", identity.ID)
	return nil
}

// ListMembersWithProfiles joins every membership with its directory record.
// Memberships whose identity no longer resolves are left out.
func (m *MembershipManager) ListMembersWithProfiles(ctx context.Context, conversationID domain.ConversationID) ([]domain.MemberProfile, error) {
	if _, err := m.conversations.GetConversation(conversationID); err != nil {
		return nil, err
	}
	members, err := m.memberships.ListMembers(conversationID)
	if err != nil {
		return nil, err
	}

	profiles := make([]domain.MemberProfile, 0, len(members))
	for _, member := range members {
		identity, err := m.directory.LookupByID(ctx, member.IdentityID)
		switch {
		case stderrors.Is(err, errors.ErrIdentityNotFound):
			m.log.Debug("Member without identity omitted", "conversation", conversationID, "identity", member.IdentityID)
			continue
		case err != nil:
			return nil, err
		}
		profiles = append(profiles, domain.MemberProfile{Identity: identity, IsAdmin: member.IsAdmin})
	}
	return profiles, nil
}

// Rename overwrites the stored name. Direct conversations keep being displayed
// after the other party whatever is stored.
func (m *MembershipManager) Rename(_ context.Context, conversationID domain.ConversationID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is empty", errors.ErrInvalidArgument)
	}
	return m.conversations.Rename(conversationID, name, time.Now().UTC())
}

// DeleteConversation removes the conversation with its memberships and messages,
// then tells every subscriber to drop it.
func (m *MembershipManager) DeleteConversation(ctx context.Context, conversationID domain.ConversationID) (DeleteResult, error) {
	var result DeleteResult

	// 1. The conversation record goes first, the cascade may partially fail
	if err := m.conversations.DeleteConversation(conversationID); err != nil {
		warnings := errors.Warnings(err)
		if warnings == nil {
			return DeleteResult{}, err
		}
		m.log.Warn("Conversation deleted with leftovers", "conversation", conversationID, "error", err)
		result.Warnings = append(result.Warnings, warnings...)
	}

	// 2. Subscribers clear any selection of the conversation
	deleted := event.ConversationDeleted{Conversation: conversationID, At: time.Now().UTC()}
	if err := m.publisher.Publish(ctx, deleted); err != nil {
		m.log.Warn("Conversation deleted but not announced", "conversation", conversationID, "error", err)
		result.Warnings = append(result.Warnings, errors.NewPartialFailure("announce deletion", err).Error())
	}
	m.log.Info("Conversation deleted", "conversation", conversationID)
	return result, nil
}
