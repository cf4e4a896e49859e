package repositories

import (
	"campus-chat/domain"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func Test_Segment_Round_Trip(t *testing.T) {
	for _, id := range []string{"plain", "a:b", "a%3Ab", "%", "::", "100%:done"} {
		t.Run("should restore "+id, func(t *testing.T) {
			require.Equal(t, id, unsegment(segment(id)))
		})
	}
	require.NotEqual(t, directKey("a:b", "c"), directKey("a", "b:c"))
}

func Test_Ids_With_Separator_Do_Not_Collide(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	conversations := NewConversationRepository(db, slog.Default())
	memberships := NewMembershipRepository(db, slog.Default())
	blocks := NewBlockRepository(db, slog.Default())

	// Given two distinct pairs that only differ by where the separator sits
	first, created, err := conversations.CreateDirect(newDirect("a:b", "c"))
	req.NoError(err)
	req.True(created)

	// When the second pair opens its conversation
	second, created, err := conversations.CreateDirect(newDirect("a", "b:c"))

	// Then it gets its own
	req.NoError(err)
	req.True(created)
	req.NotEqual(first.ID, second.ID)
	req.ElementsMatch([]domain.IdentityID{"a", "b:c"}, second.Participants)

	// And each identity only lists its own conversations
	ids, err := memberships.ConversationsOf("a")
	req.NoError(err)
	req.Equal([]domain.ConversationID{second.ID}, ids)
	ids, err = memberships.ConversationsOf("a:b")
	req.NoError(err)
	req.Equal([]domain.ConversationID{first.ID}, ids)

	// And a block edge towards "b:x" does not block "b"
	_, err = blocks.InsertEdge(domain.BlockEdge{ID: uuid.NewString(), BlockerID: "a", BlockedID: "b:x", CreatedAt: time.Now().UTC()})
	req.NoError(err)
	blocked, err := blocks.IsBlocked("a", "b")
	req.NoError(err)
	req.False(blocked)
	blocked, err = blocks.IsBlocked("b:x", "a")
	req.NoError(err)
	req.True(blocked)
}

func Test_DeleteConversation_Cascades_With_Escaped_Ids(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	conversations := NewConversationRepository(db, slog.Default())
	memberships := NewMembershipRepository(db, slog.Default())

	conversation, _, err := conversations.CreateDirect(newDirect("x:1", "y%2"))
	req.NoError(err)
	req.NoError(conversations.DeleteConversation(conversation.ID))

	// The reverse index was removed with the decoded identity id
	for _, identityID := range []domain.IdentityID{"x:1", "y%2"} {
		ids, err := memberships.ConversationsOf(identityID)
		req.NoError(err)
		req.Empty(ids)
	}
	_, found, err := conversations.FindDirect("x:1", "y%2")
	req.NoError(err)
	req.False(found)
}
