//go:generate go run go.uber.org/mock/mockgen -source=membership.go -destination=../mocks/mock_membership_repository.go -package=mocks
package repositories

import (
	"campus-chat/domain"
	"campus-chat/errors"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

type IMembershipRepository interface {
	AddMember(membership domain.Membership) error
	RemoveMember(conversationID domain.ConversationID, identityID domain.IdentityID) (bool, error)
	GetMember(conversationID domain.ConversationID, identityID domain.IdentityID) (domain.Membership, bool, error)
	ListMembers(conversationID domain.ConversationID) ([]domain.Membership, error)
	CountMembers(conversationID domain.ConversationID) (int, error)
	ConversationsOf(identityID domain.IdentityID) ([]domain.ConversationID, error)
}

type MembershipRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMembershipRepository(db *badger.DB, log *slog.Logger) *MembershipRepository {
	return &MembershipRepository{db: db, log: log}
}

type DiskMembership struct {
	ConversationID string `json:"conversation_id"`
	IdentityID     string `json:"identity_id"`
	IsAdmin        bool   `json:"is_admin"`
}

// AddMember inserts the membership if the conversation exists and the identity
// is not already a member.
func (r *MembershipRepository) AddMember(membership domain.Membership) error {
	return update(r.db, func(txn *badger.Txn) error {
		ok, err := exists(txn, conversationKey(membership.ConversationID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conversation %s: %w", membership.ConversationID, errors.ErrNotFound)
		}
		ok, err = exists(txn, memberKey(membership.ConversationID, membership.IdentityID))
		if err != nil {
			return err
		}
		if ok {
			return errors.ErrAlreadyMember
		}
		return putMembership(txn, membership)
	})
}

// RemoveMember deletes the membership. removed is false when there was nothing
// to delete, which is not an error.
func (r *MembershipRepository) RemoveMember(conversationID domain.ConversationID, identityID domain.IdentityID) (bool, error) {
	removed := false
	err := update(r.db, func(txn *badger.Txn) error {
		removed = false
		ok, err := exists(txn, memberKey(conversationID, identityID))
		if err != nil || !ok {
			return err
		}
		if err = txn.Delete(memberKey(conversationID, identityID)); err != nil {
			return err
		}
		if err = txn.Delete(memberOfKey(identityID, conversationID)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

func (r *MembershipRepository) GetMember(conversationID domain.ConversationID, identityID domain.IdentityID) (domain.Membership, bool, error) {
	var disk DiskMembership
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, memberKey(conversationID, identityID), &disk)
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Membership{}, false, nil
	}
	if err != nil {
		return domain.Membership{}, false, err
	}
	return toMembership(disk), true, nil
}

// ListMembers returns the memberships of a conversation ordered by identity id.
func (r *MembershipRepository) ListMembers(conversationID domain.ConversationID) ([]domain.Membership, error) {
	var members []domain.Membership
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberConversationPrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var disk DiskMembership
			err := it.Item().Value(func(val []byte) error {
				return unmarshal(val, &disk)
			})
			if err != nil {
				return err
			}
			members = append(members, toMembership(disk))
		}
		return nil
	})
	return members, err
}

func (r *MembershipRepository) CountMembers(conversationID domain.ConversationID) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		count = len(keysWithPrefix(txn, memberConversationPrefix(conversationID)))
		return nil
	})
	return count, err
}

// ConversationsOf walks the reverse index of an identity.
func (r *MembershipRepository) ConversationsOf(identityID domain.IdentityID) ([]domain.ConversationID, error) {
	var ids []domain.ConversationID
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberOfIdentityPrefix(identityID)
		for _, key := range keysWithPrefix(txn, prefix) {
			ids = append(ids, domain.ConversationID(unsegment(strings.TrimPrefix(string(key), string(prefix)))))
		}
		return nil
	})
	return ids, err
}

func putMembership(txn *badger.Txn, m domain.Membership) error {
	if err := setJSON(txn, memberKey(m.ConversationID, m.IdentityID), fromMembership(m)); err != nil {
		return err
	}
	return txn.Set(memberOfKey(m.IdentityID, m.ConversationID), []byte{})
}

func fromMembership(m domain.Membership) DiskMembership {
	return DiskMembership{
		ConversationID: string(m.ConversationID),
		IdentityID:     string(m.IdentityID),
		IsAdmin:        m.IsAdmin,
	}
}

func toMembership(d DiskMembership) domain.Membership {
	return domain.Membership{
		ConversationID: domain.ConversationID(d.ConversationID),
		IdentityID:     domain.IdentityID(d.IdentityID),
		IsAdmin:        d.IsAdmin,
	}
}
