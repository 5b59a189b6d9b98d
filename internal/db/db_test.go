package db

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createGroup(t *testing.T, database *DB, name string, creator models.Member, others ...models.Member) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		IsGroup:           true,
		Name:              name,
		CreatedByID:       creator.UserID,
		CreatedByUsername: creator.Username,
	}
	creator.IsAdmin = true
	members := append([]models.Member{creator}, others...)
	require.NoError(t, database.CreateConversation(context.Background(), conv, members))
	return conv
}

func Test_CreateConversation_PersistsMembers(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()

	conv := createGroup(t, database, "Team",
		models.Member{UserID: "a", Username: "alice"},
		models.Member{UserID: "b", Username: "bob"},
		models.Member{UserID: "c", Username: "carol"},
	)
	req.NotEmpty(conv.ID)

	got, err := database.GetConversation(ctx, conv.ID)
	req.NoError(err)
	req.True(got.IsGroup)
	req.Equal("Team", got.Name)
	req.Equal("a", got.CreatedByID)

	members, err := database.ListMembers(ctx, conv.ID)
	req.NoError(err)
	req.Len(members, 3)
	req.Equal("a", members[0].UserID)
	req.True(members[0].IsAdmin)
	req.False(members[1].IsAdmin)
	req.False(members[2].IsAdmin)
}

func Test_CreateConversation_IsAtomic(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()

	conv := &models.Conversation{IsGroup: true, Name: "dup", CreatedByID: "a", CreatedByUsername: "alice"}
	err := database.CreateConversation(ctx, conv, []models.Member{
		{UserID: "a", Username: "alice", IsAdmin: true},
		{UserID: "b", Username: "bob"},
		{UserID: "b", Username: "bob-again"},
	})
	req.Error(err)

	_, err = database.GetConversation(ctx, conv.ID)
	req.ErrorIs(err, ErrNotFound)
	members, err := database.ListMembers(ctx, conv.ID)
	req.NoError(err)
	req.Empty(members)
}

func Test_AddMember_IsIdempotent(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})

	added, err := database.AddMember(ctx, models.Member{ConversationID: conv.ID, UserID: models.BotID, Username: models.BotUsername})
	req.NoError(err)
	req.True(added)

	added, err = database.AddMember(ctx, models.Member{ConversationID: conv.ID, UserID: models.BotID, Username: "renamed"})
	req.NoError(err)
	req.False(added)

	members, err := database.ListMembers(ctx, conv.ID)
	req.NoError(err)
	count := 0
	for _, m := range members {
		if m.UserID == models.BotID {
			count++
			req.Equal(models.BotUsername, m.Username)
		}
	}
	req.Equal(1, count)
}

func Test_AddMember_ConcurrentInsertsResolveToOneRow(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := database.AddMember(ctx, models.Member{ConversationID: conv.ID, UserID: "z", Username: "zed"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if added {
				wins++
			}
		}()
	}
	wg.Wait()
	req.Empty(errs)
	req.Equal(1, wins)
}

func Test_RemoveMember_TolerantAndIdempotent(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team",
		models.Member{UserID: "a", Username: "alice"},
		models.Member{UserID: "bob", Username: "bob"},
		models.Member{UserID: "c", Username: "carol"},
	)

	// legacy row stores the username in user_id
	n, err := database.RemoveMember(ctx, conv.ID, "b-id", "bob")
	req.NoError(err)
	req.EqualValues(1, n)

	n, err = database.RemoveMember(ctx, conv.ID, "b-id", "bob")
	req.NoError(err)
	req.EqualValues(0, n)

	members, err := database.ListMembers(ctx, conv.ID)
	req.NoError(err)
	req.Len(members, 2)
}

func Test_ListConversationsFor_MatchesMemberOrCreator(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()

	first := createGroup(t, database, "one", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})
	second := createGroup(t, database, "two", models.Member{UserID: "c", Username: "carol"}, models.Member{UserID: "alice", Username: "alice"})
	_ = createGroup(t, database, "three", models.Member{UserID: "c", Username: "carol"}, models.Member{UserID: "d", Username: "dave"})

	// creator whose member row went missing
	_, err := database.RemoveMember(ctx, first.ID, "a", "alice")
	req.NoError(err)

	convs, err := database.ListConversationsFor(ctx, "a", "alice")
	req.NoError(err)
	req.Len(convs, 2)
	req.Equal(second.ID, convs[0].ID)
	req.Equal(first.ID, convs[1].ID)
}

func Test_Messages_AscendingAndLimited(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})

	for i := 0; i < 5; i++ {
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       "a",
			SenderUsername: "alice",
			Ciphertext:     fmt.Sprintf("payload-%d", i),
		}
		req.NoError(database.CreateMessage(ctx, msg))
		req.NotEmpty(msg.ID)
		req.JSONEq(`{}`, string(msg.Metadata))
	}

	msgs, err := database.ListMessages(ctx, conv.ID, 3)
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal("payload-2", msgs[0].Ciphertext)
	req.Equal("payload-4", msgs[2].Ciphertext)
	for i := 1; i < len(msgs); i++ {
		req.False(msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}

func Test_CreateMessage_KeepsMetadataOpaque(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})

	raw := json.RawMessage(`{"alg":"x25519","n":[1,2,3]}`)
	msg := &models.Message{ConversationID: conv.ID, SenderID: "a", SenderUsername: "alice", Ciphertext: "////", Metadata: raw}
	req.NoError(database.CreateMessage(ctx, msg))

	msgs, err := database.ListMessages(ctx, conv.ID, 10)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(string(raw), string(msgs[0].Metadata))
	req.Equal("////", msgs[0].Ciphertext)
}

func Test_MarkRead_AppendsOnce(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})
	msg := &models.Message{ConversationID: conv.ID, SenderID: "a", SenderUsername: "alice", Ciphertext: "hi"}
	req.NoError(database.CreateMessage(ctx, msg))

	_, err := database.MarkRead(ctx, conv.ID, msg.ID, "b")
	req.NoError(err)
	got, err := database.MarkRead(ctx, conv.ID, msg.ID, "b")
	req.NoError(err)
	req.Equal([]string{"b"}, got.ReadBy)
	req.Equal([]string{"b"}, got.DeliveredTo)

	_, err = database.MarkRead(ctx, conv.ID, "missing", "b")
	req.ErrorIs(err, ErrNotFound)
}

func Test_DeleteConversation_Cascades(t *testing.T) {
	req := require.New(t)
	database := newTestDB(t)
	ctx := context.Background()
	conv := createGroup(t, database, "Team", models.Member{UserID: "a", Username: "alice"}, models.Member{UserID: "b", Username: "bob"})
	req.NoError(database.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: "a", SenderUsername: "alice", Ciphertext: "hi"}))

	req.NoError(database.DeleteConversation(ctx, conv.ID))

	members, err := database.ListMembers(ctx, conv.ID)
	req.NoError(err)
	req.Empty(members)
	msgs, err := database.ListMessages(ctx, conv.ID, 10)
	req.NoError(err)
	req.Empty(msgs)
	req.ErrorIs(database.DeleteConversation(ctx, conv.ID), ErrNotFound)
}
