package repositories

import (
	"campus-chat/domain"
	"campus-chat/errors"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

type IConversationRepository interface {
	CreateDirect(conversation domain.Conversation) (domain.Conversation, bool, error)
	CreateGroup(conversation domain.Conversation, members []domain.Membership) error
	GetConversation(id domain.ConversationID) (domain.Conversation, error)
	FindDirect(a, b domain.IdentityID) (domain.ConversationID, bool, error)
	Rename(id domain.ConversationID, name string, at time.Time) error
	DeleteConversation(id domain.ConversationID) error
}

type ConversationRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewConversationRepository(db *badger.DB, log *slog.Logger) *ConversationRepository {
	return &ConversationRepository{db: db, log: log}
}

// DiskConversation is the stored form of a conversation.
type DiskConversation struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Kind         string    `json:"kind"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Participants []string  `json:"participants,omitempty"`
}

// CreateDirect stores a direct conversation, its two memberships and the pair
// index in a single transaction. If the pair already owns a direct conversation
// that one is returned and created is false. Two concurrent calls for the same
// pair both read the pair key, so the loser conflicts, retries and finds the winner.
func (r *ConversationRepository) CreateDirect(conversation domain.Conversation) (domain.Conversation, bool, error) {
	if !conversation.IsDirect() || len(conversation.Participants) != 2 {
		return domain.Conversation{}, false, fmt.Errorf("%w: a direct conversation needs two participants", errors.ErrInvalidArgument)
	}
	creator, target := conversation.Participants[0], conversation.Participants[1]
	pair := domain.Pair(creator, target)

	var result domain.Conversation
	created := false
	err := update(r.db, func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(directKey(creator, target))
		switch {
		case err == nil:
			existingID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var disk DiskConversation
			if err = getJSON(txn, conversationKey(domain.ConversationID(existingID)), &disk); err != nil {
				return err
			}
			result = toConversation(disk)
			return nil
		case !stderrors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		stored := conversation
		stored.Participants = []domain.IdentityID{pair[0], pair[1]}
		if err = setJSON(txn, conversationKey(stored.ID), fromConversation(stored)); err != nil {
			return err
		}
		if err = txn.Set(directKey(creator, target), []byte(stored.ID)); err != nil {
			return err
		}
		members := []domain.Membership{
			{ConversationID: stored.ID, IdentityID: creator, IsAdmin: true},
			{ConversationID: stored.ID, IdentityID: target, IsAdmin: false},
		}
		for _, m := range members {
			if err = putMembership(txn, m); err != nil {
				return err
			}
		}
		result = stored
		created = true
		return nil
	})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return result, created, nil
}

// CreateGroup stores a group conversation together with its initial memberships.
func (r *ConversationRepository) CreateGroup(conversation domain.Conversation, members []domain.Membership) error {
	return update(r.db, func(txn *badger.Txn) error {
		if err := setJSON(txn, conversationKey(conversation.ID), fromConversation(conversation)); err != nil {
			return err
		}
		for _, m := range members {
			if err := putMembership(txn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ConversationRepository) GetConversation(id domain.ConversationID) (domain.Conversation, error) {
	var disk DiskConversation
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(id), &disk)
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return toConversation(disk), nil
}

// FindDirect looks the pair index up.
func (r *ConversationRepository) FindDirect(a, b domain.IdentityID) (domain.ConversationID, bool, error) {
	var id domain.ConversationID
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(directKey(a, b))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		id = domain.ConversationID(value)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Rename overwrites the display name unconditionally.
func (r *ConversationRepository) Rename(id domain.ConversationID, name string, at time.Time) error {
	return update(r.db, func(txn *badger.Txn) error {
		var disk DiskConversation
		err := getJSON(txn, conversationKey(id), &disk)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", id, errors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		disk.DisplayName = name
		disk.UpdatedAt = at
		return setJSON(txn, conversationKey(id), disk)
	})
}

// DeleteConversation removes the conversation record and its pair index
// atomically, then cascades to memberships and messages with a write batch.
// A failing cascade is reported as a PartialFailure: the conversation is gone
// but orphan rows may remain.
func (r *ConversationRepository) DeleteConversation(id domain.ConversationID) error {
	err := update(r.db, func(txn *badger.Txn) error {
		var disk DiskConversation
		err := getJSON(txn, conversationKey(id), &disk)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", id, errors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if disk.Kind == string(domain.Direct) && len(disk.Participants) == 2 {
			if err = txn.Delete(directKey(domain.IdentityID(disk.Participants[0]), domain.IdentityID(disk.Participants[1]))); err != nil {
				return err
			}
		}
		return txn.Delete(conversationKey(id))
	})
	if err != nil {
		return err
	}

	if err = r.cascade(id); err != nil {
		r.log.Warn("Cascade delete incomplete", "conversation_id", id, "error", err)
		return errors.NewPartialFailure("delete conversation", err)
	}
	return nil
}

func (r *ConversationRepository) cascade(id domain.ConversationID) error {
	var keys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		for _, key := range keysWithPrefix(txn, memberConversationPrefix(id)) {
			keys = append(keys, key)
			identityID := strings.TrimPrefix(string(key), string(memberConversationPrefix(id)))
			keys = append(keys, memberOfKey(domain.IdentityID(unsegment(identityID)), id))
		}
		messageKeys, err := messageKeysWithIDs(txn, id)
		if err != nil {
			return err
		}
		for key, messageID := range messageKeys {
			keys = append(keys, []byte(key), messageIDKey(messageID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	batch := r.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err = batch.Delete(key); err != nil {
			return err
		}
	}
	if err = batch.Flush(); err != nil {
		return err
	}
	r.log.Debug("Cascade delete done", "conversation_id", id, "keys", len(keys))
	return nil
}

func fromConversation(c domain.Conversation) DiskConversation {
	return DiskConversation{
		ID:          string(c.ID),
		DisplayName: c.DisplayName,
		Kind:        string(c.Kind),
		CreatedBy:   string(c.CreatedBy),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		Participants: lo.Map(c.Participants, func(item domain.IdentityID, _ int) string {
			return string(item)
		}),
	}
}

func toConversation(d DiskConversation) domain.Conversation {
	var participants []domain.IdentityID
	if len(d.Participants) > 0 {
		participants = lo.Map(d.Participants, func(item string, _ int) domain.IdentityID {
			return domain.IdentityID(item)
		})
	}
	return domain.Conversation{
		ID:           domain.ConversationID(d.ID),
		DisplayName:  d.DisplayName,
		Kind:         domain.ConversationKind(d.Kind),
		CreatedBy:    domain.IdentityID(d.CreatedBy),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
		Participants: participants,
	}
}
