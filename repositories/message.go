//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"bytes"
	"campus-chat/domain"
	"campus-chat/errors"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

type IMessageRepository interface {
	Append(message domain.Message) (domain.Message, error)
	ListSince(conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error)
}

type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	sequence      *badger.Sequence
	limitMessages *int
}

// NewMessageRepository leases a Badger sequence used to break timestamp ties
// in storage order. Close releases it.
func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) (*MessageRepository, error) {
	sequence, err := db.GetSequence([]byte(messageSequenceKey), 100)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &MessageRepository{db: db, log: log, sequence: sequence, limitMessages: limitMessages}, nil
}

func (r *MessageRepository) Close() error {
	return r.sequence.Release()
}

type DiskMessage struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body"`
	AttachmentURL     string    `json:"attachment_url,omitempty"`
	Kind              string    `json:"kind"`
	At                time.Time `json:"at"`
}

// Append persists a message at the end of its conversation log.
// The key is "msg:{conversation}:{ts019}:{seq020}":
//  1. The timestamp is clamped to the last stored one so a late clock never
//     slips a message in front of an older one.
//  2. The sequence breaks ties between messages sharing a timestamp.
//
// The conversation record is read and rewritten (updated_at) in the same
// transaction, so concurrent appends on one conversation conflict and are replayed.
func (r *MessageRepository) Append(message domain.Message) (domain.Message, error) {
	kind, ok := domain.ClassifyMessage(message.Body, message.AttachmentURL)
	if !ok {
		return domain.Message{}, errors.ErrEmptyMessage
	}
	message.Kind = kind
	if message.ID == "" {
		message.ID = domain.MessageID(uuid.NewString())
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.CreatedAt = message.CreatedAt.UTC()

	var stored domain.Message
	err := update(r.db, func(txn *badger.Txn) error {
		var conversation DiskConversation
		err := getJSON(txn, conversationKey(message.ConversationID), &conversation)
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", message.ConversationID, errors.ErrNotFound)
		}
		if err != nil {
			return err
		}

		candidate := message
		last, found, err := lastMessageTime(txn, message.ConversationID)
		if err != nil {
			return err
		}
		if found && candidate.CreatedAt.Before(last) {
			candidate.CreatedAt = last
		}
		seq, err := r.sequence.Next()
		if err != nil {
			return err
		}

		key := messageKey(candidate.ConversationID, candidate.CreatedAt, seq)
		if err = setJSON(txn, key, fromMessage(candidate)); err != nil {
			return err
		}
		if err = txn.Set(messageIDKey(candidate.ID), key); err != nil {
			return err
		}
		if candidate.CreatedAt.After(conversation.UpdatedAt) {
			conversation.UpdatedAt = candidate.CreatedAt
		}
		if err = setJSON(txn, conversationKey(message.ConversationID), conversation); err != nil {
			return err
		}
		stored = candidate
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return stored, nil
}

// ListSince returns the messages of a conversation in ascending order.
// With a cursor only the messages appended after it are returned, which is
// how a client catches up after missing live events. An unknown cursor fails
// with ErrNotFound. It stops once limitMessages is reached.
func (r *MessageRepository) ListSince(conversationID domain.ConversationID, afterID *domain.MessageID) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messageConversationPrefix(conversationID)
		seekKey := prefix
		if afterID != nil {
			item, err := txn.Get(messageIDKey(*afterID))
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("message %s: %w", *afterID, errors.ErrNotFound)
			}
			if err != nil {
				return err
			}
			if seekKey, err = item.ValueCopy(nil); err != nil {
				return err
			}
			if !bytes.HasPrefix(seekKey, prefix) {
				return fmt.Errorf("message %s in conversation %s: %w", *afterID, conversationID, errors.ErrNotFound)
			}
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek(seekKey)
		if afterID != nil && it.ValidForPrefix(prefix) && bytes.Equal(it.Item().Key(), seekKey) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if r.limitMessages != nil && len(messages) == *r.limitMessages {
				r.log.Debug(fmt.Sprintf("Maximum of %d message reached", *r.limitMessages))
				break
			}
			var disk DiskMessage
			err := it.Item().Value(func(val []byte) error {
				return unmarshal(val, &disk)
			})
			if err != nil {
				return err
			}
			messages = append(messages, toMessage(disk))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// lastMessageTime reads the timestamp encoded in the newest message key.
func lastMessageTime(txn *badger.Txn, conversationID domain.ConversationID) (time.Time, bool, error) {
	prefix := messageConversationPrefix(conversationID)
	options := badger.DefaultIteratorOptions
	options.Reverse = true
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return time.Time{}, false, nil
	}
	rest := it.Item().Key()[len(prefix):]
	if len(rest) < 19 {
		return time.Time{}, false, fmt.Errorf("malformed message key %q", it.Item().Key())
	}
	nanos, err := strconv.ParseInt(string(rest[:19]), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed message key %q: %w", it.Item().Key(), err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// messageKeysWithIDs maps every message key of a conversation to its message id.
func messageKeysWithIDs(txn *badger.Txn, conversationID domain.ConversationID) (map[string]domain.MessageID, error) {
	prefix := messageConversationPrefix(conversationID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	keys := make(map[string]domain.MessageID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var disk DiskMessage
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return unmarshal(val, &disk)
		}); err != nil {
			return nil, err
		}
		keys[string(item.KeyCopy(nil))] = domain.MessageID(disk.ID)
	}
	return keys, nil
}

func fromMessage(message domain.Message) DiskMessage {
	return DiskMessage{
		ID:                string(message.ID),
		ConversationID:    string(message.ConversationID),
		SenderID:          string(message.SenderID),
		SenderDisplayName: message.SenderDisplayName,
		Body:              message.Body,
		AttachmentURL:     message.AttachmentURL,
		Kind:              string(message.Kind),
		At:                message.CreatedAt,
	}
}

func toMessage(disk DiskMessage) domain.Message {
	return domain.Message{
		ID:                domain.MessageID(disk.ID),
		ConversationID:    domain.ConversationID(disk.ConversationID),
		SenderID:          domain.IdentityID(disk.SenderID),
		SenderDisplayName: disk.SenderDisplayName,
		Body:              disk.Body,
		AttachmentURL:     disk.AttachmentURL,
		Kind:              domain.MessageKind(disk.Kind),
		CreatedAt:         disk.At.UTC(),
	}
}
