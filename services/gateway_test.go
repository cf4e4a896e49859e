package services

import (
	"campus-chat/domain"
	"campus-chat/errors"
	"campus-chat/mocks"
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestMessagingGateway_Send_Direct_Scenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.identity(t, "Sam", "2021-0001")
	i2 := f.identity(t, "Ines", "2021-1111")

	// Given S1 resolves I2 twice
	cd, err := f.resolver.ResolveDirect(ctx, s1.ID, "2021-1111")
	req.NoError(err)
	again, err := f.resolver.ResolveDirect(ctx, s1.ID, "2021-1111")
	req.NoError(err)
	req.Equal(cd, again)

	// When S1 sends "hi"
	result, err := f.gateway.Send(ctx, SendCommand{SenderID: s1.ID, ConversationID: cd, Body: "hi"})
	req.NoError(err)
	req.Empty(result.Warnings)

	// Then exactly one message is stored
	messages, err := f.messages.ListSince(cd, nil)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("hi", messages[0].Body)
	req.Equal(s1.ID, messages[0].SenderID)
	req.Equal("Sam", messages[0].SenderDisplayName)
	req.Equal(domain.Text, messages[0].Kind)
	req.Equal(result.Message, messages[0])

	// And it was broadcast on the conversation channel
	req.Equal([]domain.Message{result.Message}, f.publisher.posted())

	// And I2 can read it
	history, err := f.gateway.ListMessages(ctx, i2.ID, cd, nil)
	req.NoError(err)
	req.Equal(messages, history)
}

func TestMessagingGateway_Send_By_Directory_ID(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")

	// When Alice writes to Bob's directory id without a conversation
	result, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, DirectoryID: "B1", Body: "hello"})

	// Then the direct conversation is created on the fly
	req.NoError(err)
	existing, err := f.resolver.ResolveDirect(ctx, bob.ID, "A1")
	req.NoError(err)
	req.Equal(existing, result.Message.ConversationID)

	_, err = f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, Body: "lost"})
	req.ErrorIs(err, errors.ErrInvalidArgument)
}

func TestMessagingGateway_Send_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	outsider := f.identity(t, "Oscar", "O1")
	direct := f.direct(t, alice, bob)
	group, err := f.resolver.CreateGroup(ctx, alice.ID, "Band", []domain.DirectoryID{"B1"})
	require.NoError(t, err)

	t.Run("should reject an empty message without storing or broadcasting", func(t *testing.T) {
		req := require.New(t)
		for _, body := range []string{"", "   \n\t"} {
			_, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: direct, Body: body})

			req.ErrorIs(err, errors.ErrEmptyMessage)
			var rejected *SendRejected
			req.True(stderrors.As(err, &rejected))
			req.Equal(Validating, rejected.State)
		}
		messages, err := f.messages.ListSince(direct, nil)
		req.NoError(err)
		req.Empty(messages)
		req.Empty(f.publisher.posted())
	})

	t.Run("should reject a sender outside the conversation", func(t *testing.T) {
		req := require.New(t)
		_, err := f.gateway.Send(ctx, SendCommand{SenderID: outsider.ID, ConversationID: group.ConversationID, Body: "hey"})
		req.ErrorIs(err, errors.ErrNotAMember)
		_, err = f.gateway.Send(ctx, SendCommand{SenderID: outsider.ID, ConversationID: direct, Body: "hey"})
		req.ErrorIs(err, errors.ErrNotAMember)
	})

	t.Run("should reject an unknown sender", func(t *testing.T) {
		_, err := f.gateway.Send(ctx, SendCommand{SenderID: "ghost", ConversationID: direct, Body: "boo"})
		require.ErrorIs(t, err, errors.ErrIdentityNotFound)
	})

	t.Run("should reject an unknown conversation", func(t *testing.T) {
		_, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: "missing", Body: "hey"})
		require.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestMessagingGateway_Send_Attachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	direct := f.direct(t, alice, bob)
	picture := &domain.Attachment{Data: []byte{0x89, 0x50, 0x4E, 0x47}}

	t.Run("should classify an attachment alone as an image", func(t *testing.T) {
		req := require.New(t)
		result, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: direct, Attachment: picture})
		req.NoError(err)
		req.Equal(domain.Image, result.Message.Kind)
		req.Equal("/attachments/chat-image/1.png", result.Message.AttachmentURL)
	})

	t.Run("should classify a body with an attachment", func(t *testing.T) {
		req := require.New(t)
		result, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: direct, Body: "look", Attachment: picture})
		req.NoError(err)
		req.Equal(domain.TextWithImage, result.Message.Kind)
	})

	t.Run("should persist nothing when the upload fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		store := mocks.NewMockAttachmentStore(ctrl)
		store.EXPECT().Upload(gomock.Any(), picture.Data, "avatar").Return("", stderrors.New("bucket unreachable")).Times(1)
		gateway := f.newGateway(store, f.publisher)
		before, err := f.messages.ListSince(direct, nil)
		req.NoError(err)

		_, err = gateway.Send(ctx, SendCommand{
			SenderID:       alice.ID,
			ConversationID: direct,
			Body:           "look",
			Attachment:     &domain.Attachment{Data: picture.Data, Category: "avatar"},
		})

		req.ErrorIs(err, errors.ErrUploadFailed)
		var rejected *SendRejected
		req.True(stderrors.As(err, &rejected))
		req.Equal(AttachmentUpload, rejected.State)
		after, err := f.messages.ListSince(direct, nil)
		req.NoError(err)
		req.Equal(before, after)
	})
}

func TestMessagingGateway_Send_Blocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	direct := f.direct(t, alice, bob)
	group, err := f.resolver.CreateGroup(ctx, alice.ID, "Climbing", []domain.DirectoryID{"B1"})
	require.NoError(t, err)
	_, err = f.gateway.Send(ctx, SendCommand{SenderID: bob.ID, ConversationID: direct, Body: "before"})
	require.NoError(t, err)

	// Given Alice blocks Bob
	_, err = f.gateway.BlockOtherParty(ctx, direct, alice.ID)
	require.NoError(t, err)

	t.Run("should refuse sends from both parties in the direct conversation", func(t *testing.T) {
		req := require.New(t)
		for _, sender := range []domain.IdentityID{alice.ID, bob.ID} {
			_, err := f.gateway.Send(ctx, SendCommand{SenderID: sender, ConversationID: direct, Body: "again"})

			req.ErrorIs(err, errors.ErrBlocked)
			req.Equal("FORBIDDEN", errors.Code(err))
			req.Equal("message could not be delivered", errors.Describe(err))
		}
	})

	t.Run("should refuse a send through the directory id", func(t *testing.T) {
		_, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, DirectoryID: "B1", Body: "again"})
		require.ErrorIs(t, err, errors.ErrBlocked)
	})

	t.Run("should keep the relic readable", func(t *testing.T) {
		req := require.New(t)
		history, err := f.gateway.ListMessages(ctx, alice.ID, direct, nil)
		req.NoError(err)
		req.Len(history, 1)
		req.Equal("before", history[0].Body)
	})

	t.Run("should leave the shared group open", func(t *testing.T) {
		req := require.New(t)
		_, err := f.gateway.Send(ctx, SendCommand{SenderID: bob.ID, ConversationID: group.ConversationID, Body: "still here"})
		req.NoError(err)
		_, err = f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: group.ConversationID, Body: "hi Bob"})
		req.NoError(err)
	})
}

func TestMessagingGateway_Send_Blocked_Either_Direction(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	direct := f.direct(t, alice, bob)

	// Given Bob blocked Alice and Alice was put back in the conversation
	_, err := f.blockRegistry.Block(ctx, bob.ID, alice.ID)
	req.NoError(err)
	req.NoError(f.memberships.AddMember(domain.Membership{ConversationID: direct, IdentityID: alice.ID}))

	// Then the edge alone refuses sends from both sides
	_, err = f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: direct, Body: "hi"})
	req.ErrorIs(err, errors.ErrBlocked)
	_, err = f.gateway.Send(ctx, SendCommand{SenderID: bob.ID, ConversationID: direct, Body: "hi"})
	req.ErrorIs(err, errors.ErrBlocked)

	var rejected *SendRejected
	req.True(stderrors.As(err, &rejected))
	req.Equal(BlockCheck, rejected.State)
}

func TestMessagingGateway_Send_Broadcast_Failure_Is_A_Warning(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newFixture(t)
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	direct := f.direct(t, alice, bob)

	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(stderrors.New("fanout queue full")).Times(1)
	gateway := f.newGateway(f.attachments, publisher)

	result, err := gateway.Send(context.Background(), SendCommand{SenderID: alice.ID, ConversationID: direct, Body: "hi"})

	req.NoError(err)
	req.Len(result.Warnings, 1)
	req.Contains(result.Warnings[0], "fanout queue full")
	messages, err := f.messages.ListSince(direct, nil)
	req.NoError(err)
	req.Equal([]domain.Message{result.Message}, messages)
}

func TestMessagingGateway_Broadcast_Order_Matches_Storage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	direct := f.direct(t, alice, bob)

	// When both parties send concurrently
	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := lo.Ternary(i%2 == 0, alice.ID, bob.ID)
			_, errs[i] = f.gateway.Send(ctx, SendCommand{SenderID: sender, ConversationID: direct, Body: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		req.NoError(err)
	}

	// Then subscribers saw the storage order
	stored, err := f.messages.ListSince(direct, nil)
	req.NoError(err)
	req.Len(stored, 20)
	ids := func(messages []domain.Message) []domain.MessageID {
		return lo.Map(messages, func(m domain.Message, _ int) domain.MessageID { return m.ID })
	}
	req.Equal(ids(stored), ids(f.publisher.posted()))
}

func TestMessagingGateway_ListConversations(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	carol := f.identity(t, "Carol", "C1")

	withBob := f.direct(t, alice, bob)
	group, err := f.resolver.CreateGroup(ctx, alice.ID, "Debate", []domain.DirectoryID{"C1"})
	req.NoError(err)
	withCarol := f.direct(t, carol, alice)

	// When the oldest conversation receives a message
	time.Sleep(2 * time.Millisecond)
	_, err = f.gateway.Send(ctx, SendCommand{SenderID: bob.ID, ConversationID: withBob, Body: "up"})
	req.NoError(err)

	// Then it comes first, each named for Alice
	summaries, err := f.gateway.ListConversations(ctx, alice.ID)
	req.NoError(err)
	req.Len(summaries, 3)
	req.Equal(withBob, summaries[0].ID)
	req.Equal("Bob", summaries[0].DisplayName)

	names := lo.SliceToMap(summaries, func(s domain.ConversationSummary) (domain.ConversationID, string) {
		return s.ID, s.DisplayName
	})
	req.Equal("Debate", names[group.ConversationID])
	req.Equal("Carol", names[withCarol])

	none, err := f.gateway.ListConversations(ctx, "nobody")
	req.NoError(err)
	req.Empty(none)
}

func TestMessagingGateway_ListMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	outsider := f.identity(t, "Oscar", "O1")
	direct := f.direct(t, alice, bob)

	var sent []domain.Message
	for _, body := range []string{"one", "two", "three"} {
		result, err := f.gateway.Send(ctx, SendCommand{SenderID: alice.ID, ConversationID: direct, Body: body})
		require.NoError(t, err)
		sent = append(sent, result.Message)
	}

	t.Run("should resume after a cursor", func(t *testing.T) {
		req := require.New(t)
		history, err := f.gateway.ListMessages(ctx, bob.ID, direct, &sent[0].ID)
		req.NoError(err)
		req.Equal(sent[1:], history)
	})

	t.Run("should refuse an outsider", func(t *testing.T) {
		_, err := f.gateway.ListMessages(ctx, outsider.ID, direct, nil)
		require.ErrorIs(t, err, errors.ErrNotAMember)
	})

	t.Run("should refuse an unknown cursor", func(t *testing.T) {
		missing := domain.MessageID("missing")
		_, err := f.gateway.ListMessages(ctx, bob.ID, direct, &missing)
		require.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestMessagingGateway_BlockOtherParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.identity(t, "Alice", "A1")
	bob := f.identity(t, "Bob", "B1")
	outsider := f.identity(t, "Oscar", "O1")
	direct := f.direct(t, alice, bob)
	group, err := f.resolver.CreateGroup(ctx, alice.ID, "Band", []domain.DirectoryID{"B1"})
	require.NoError(t, err)

	t.Run("should refuse a group", func(t *testing.T) {
		_, err := f.gateway.BlockOtherParty(ctx, group.ConversationID, alice.ID)
		require.ErrorIs(t, err, errors.ErrInvalidArgument)
	})

	t.Run("should refuse a stranger to the pair", func(t *testing.T) {
		_, err := f.gateway.BlockOtherParty(ctx, direct, outsider.ID)
		require.ErrorIs(t, err, errors.ErrNotAMember)
	})

	t.Run("should block the counterpart", func(t *testing.T) {
		req := require.New(t)
		result, err := f.gateway.BlockOtherParty(ctx, direct, bob.ID)
		req.NoError(err)
		req.Equal(alice.ID, result.Edge.BlockedID)
		req.Equal([]domain.ConversationID{direct}, result.RemovedFrom)
	})
}
