package repositories

import (
	"campus-chat/domain"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	// Reduced to 16 Mo for testing
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newGroup(t *testing.T, db *badger.DB, creator domain.IdentityID, members ...domain.IdentityID) domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:          domain.ConversationID(uuid.NewString()),
		DisplayName: "Study Group",
		Kind:        domain.Group,
		CreatedBy:   creator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	memberships := []domain.Membership{{ConversationID: conversation.ID, IdentityID: creator, IsAdmin: true}}
	for _, m := range members {
		memberships = append(memberships, domain.Membership{ConversationID: conversation.ID, IdentityID: m})
	}
	require.NoError(t, NewConversationRepository(db, slog.Default()).CreateGroup(conversation, memberships))
	return conversation
}
