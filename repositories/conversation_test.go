package repositories

import (
	"campus-chat/domain"
	"campus-chat/errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func newDirect(creator, target domain.IdentityID) domain.Conversation {
	now := time.Now().UTC()
	return domain.Conversation{
		ID:           domain.ConversationID(uuid.NewString()),
		DisplayName:  string(target),
		Kind:         domain.Direct,
		CreatedBy:    creator,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []domain.IdentityID{creator, target},
	}
}

func Test_CreateDirect_Is_Unique_Per_Pair(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	repository := NewConversationRepository(db, slog.Default())
	memberships := NewMembershipRepository(db, slog.Default())

	first, created, err := repository.CreateDirect(newDirect("alice", "bob"))
	req.NoError(err)
	req.True(created)

	// When the other party creates the same pair
	second, created, err := repository.CreateDirect(newDirect("bob", "alice"))
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, second.ID)

	members, err := memberships.ListMembers(first.ID)
	req.NoError(err)
	req.Len(members, 2)
	admin, ok, err := memberships.GetMember(first.ID, "alice")
	req.NoError(err)
	req.True(ok)
	req.True(admin.IsAdmin)
	target, ok, err := memberships.GetMember(first.ID, "bob")
	req.NoError(err)
	req.True(ok)
	req.False(target.IsAdmin)

	id, found, err := repository.FindDirect("bob", "alice")
	req.NoError(err)
	req.True(found)
	req.Equal(first.ID, id)
}

func Test_CreateDirect_Concurrent_Callers_Share_One_Conversation(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	repository := NewConversationRepository(db, slog.Default())

	const callers = 8
	ids := make([]domain.ConversationID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conversation := newDirect("alice", "bob")
			if i%2 == 1 {
				conversation = newDirect("bob", "alice")
			}
			stored, _, err := repository.CreateDirect(conversation)
			ids[i], errs[i] = stored.ID, err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		req.NoError(err)
	}
	req.Len(lo.Uniq(ids), 1)
}

func Test_CreateDirect_Rejects_Malformed_Pair(t *testing.T) {
	req := require.New(t)
	repository := NewConversationRepository(openDB(t), slog.Default())

	conversation := newDirect("alice", "bob")
	conversation.Participants = conversation.Participants[:1]
	_, _, err := repository.CreateDirect(conversation)
	req.ErrorIs(err, errors.ErrInvalidArgument)
}

func Test_Rename_Overwrites_Display_Name(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	repository := NewConversationRepository(db, slog.Default())
	group := newGroup(t, db, "alice", "bob")

	at := group.UpdatedAt.Add(time.Minute)
	req.NoError(repository.Rename(group.ID, "Exam Prep", at))

	stored, err := repository.GetConversation(group.ID)
	req.NoError(err)
	req.Equal("Exam Prep", stored.DisplayName)
	req.Equal(at, stored.UpdatedAt)

	req.ErrorIs(repository.Rename("missing", "x", at), errors.ErrNotFound)
}

func Test_DeleteConversation_Cascades(t *testing.T) {
	req := require.New(t)
	db := openDB(t)
	repository := NewConversationRepository(db, slog.Default())
	memberships := NewMembershipRepository(db, slog.Default())
	messages, err := NewMessageRepository(db, slog.Default(), nil)
	req.NoError(err)
	defer messages.Close()

	direct, _, err := repository.CreateDirect(newDirect("alice", "bob"))
	req.NoError(err)
	posted, err := messages.Append(domain.Message{ConversationID: direct.ID, SenderID: "alice", Body: "hi"})
	req.NoError(err)
	kept := newGroup(t, db, "alice", "bob")

	// When the direct conversation is deleted
	req.NoError(repository.DeleteConversation(direct.ID))

	// Then the conversation, its members, messages and pair index are gone
	_, err = repository.GetConversation(direct.ID)
	req.ErrorIs(err, errors.ErrNotFound)
	count, err := memberships.CountMembers(direct.ID)
	req.NoError(err)
	req.Zero(count)
	history, err := messages.ListSince(direct.ID, nil)
	req.NoError(err)
	req.Empty(history)
	_, err = messages.ListSince(direct.ID, &posted.ID)
	req.ErrorIs(err, errors.ErrNotFound)
	_, found, err := repository.FindDirect("alice", "bob")
	req.NoError(err)
	req.False(found)

	// And the other conversation is untouched
	conversations, err := memberships.ConversationsOf("alice")
	req.NoError(err)
	req.Equal([]domain.ConversationID{kept.ID}, conversations)

	// And the pair can start over
	again, created, err := repository.CreateDirect(newDirect("bob", "alice"))
	req.NoError(err)
	req.True(created)
	req.NotEqual(direct.ID, again.ID)

	req.ErrorIs(repository.DeleteConversation(direct.ID), errors.ErrNotFound)
}
