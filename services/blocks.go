package services

import (
	"campus-chat/domain"
	"campus-chat/errors"
	"campus-chat/repositories"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type IBlockRegistry interface {
	Block(ctx context.Context, blockerID, blockedID domain.IdentityID) (BlockResult, error)
	IsBlocked(ctx context.Context, a, b domain.IdentityID) (bool, error)
}

// BlockResult lists the direct conversations the blocked identity was removed
// from. Warnings report removals that failed after the edge was stored.
type BlockResult struct {
	Edge        domain.BlockEdge
	RemovedFrom []domain.ConversationID
	Warnings    []string
}

type BlockRegistry struct {
	log           *slog.Logger
	blocks        repositories.IBlockRepository
	conversations repositories.IConversationRepository
	memberships   repositories.IMembershipRepository
}

func NewBlockRegistry(log *slog.Logger, blocks repositories.IBlockRepository,
	conversations repositories.IConversationRepository,
	memberships repositories.IMembershipRepository) *BlockRegistry {
	return &BlockRegistry{
		log:           log,
		blocks:        blocks,
		conversations: conversations,
		memberships:   memberships,
	}
}

// Block records the edge then removes blockedID from every direct conversation
// shared with blockerID. Groups are never touched.
func (r *BlockRegistry) Block(_ context.Context, blockerID, blockedID domain.IdentityID) (BlockResult, error) {
	if blockerID == "" || blockedID == "" || blockerID == blockedID {
		return BlockResult{}, fmt.Errorf("%w: cannot block %q from %q", errors.ErrInvalidArgument, blockedID, blockerID)
	}

	// 1. The edge is the primary mutation
	edge, err := r.blocks.InsertEdge(domain.BlockEdge{
		ID:        uuid.NewString(),
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return BlockResult{}, err
	}
	result := BlockResult{Edge: edge}

	// 2. Enforcement, each failure becomes a warning
	conversationIDs, err := r.memberships.ConversationsOf(blockerID)
	if err != nil {
		result.Warnings = append(result.Warnings, errors.NewPartialFailure("block enforcement", err).Error())
		return result, nil
	}
	for _, conversationID := range conversationIDs {
		conversation, err := r.conversations.GetConversation(conversationID)
		if err != nil {
			result.Warnings = append(result.Warnings, errors.NewPartialFailure("block enforcement", err).Error())
			continue
		}
		if !conversation.IsDirect() {
			continue
		}
		removed, err := r.memberships.RemoveMember(conversationID, blockedID)
		if err != nil {
			result.Warnings = append(result.Warnings, errors.NewPartialFailure("block enforcement", err).Error())
			continue
		}
		if removed {
			result.RemovedFrom = append(result.RemovedFrom, conversationID)
		}
	}

	r.log.Info("Identity blocked", "blocker", blockerID, "blocked", blockedID,
		"removed_from", len(result.RemovedFrom), "warnings", len(result.Warnings))
	return result, nil
}

func (r *BlockRegistry) IsBlocked(_ context.Context, a, b domain.IdentityID) (bool, error) {
	return r.blocks.IsBlocked(a, b)
}
