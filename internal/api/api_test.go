package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatrelay/internal/bus"
	"chatrelay/internal/db"
	"chatrelay/internal/identity"
	"chatrelay/internal/membership"
	"chatrelay/internal/mocks"
)

var (
	alice = identity.User{ID: "1", Username: "alice"}
	bob   = identity.User{ID: "2", Username: "bob"}
	carol = identity.User{ID: "3", Username: "carol"}

	tokens = map[string]identity.User{
		"tok-alice": alice,
		"tok-bob":   bob,
		"tok-carol": carol,
	}
)

type inbox struct {
	id     string
	mu     sync.Mutex
	frames []map[string]any
}

func (i *inbox) ID() string { return i.id }

func (i *inbox) Deliver(frame []byte) bool {
	var event map[string]any
	if err := json.Unmarshal(frame, &event); err != nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, event)
	return true
}

func (i *inbox) ofType(eventType string) []map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []map[string]any
	for _, f := range i.frames {
		if f["type"] == eventType {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	t         *testing.T
	srv       *httptest.Server
	db        *db.DB
	bus       *bus.LocalBus
	directory *mocks.MockDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, token string) (identity.User, error) {
			user, ok := tokens[token]
			if !ok {
				return identity.User{}, errors.New("invalid token")
			}
			return user, nil
		}).AnyTimes()
	directory := mocks.NewMockDirectory(ctrl)

	logger := slog.Default()
	b := bus.NewLocalBus(logger, nil)
	handlers := NewHandlers(
		database,
		membership.NewResolver(database, logger, nil),
		resolver,
		directory,
		b,
		nil,
		Config{CORSOrigin: "http://localhost:3000", PageDefault: 50, PageMax: 200},
		logger,
		nil,
	)
	srv := httptest.NewServer(handlers.Handler())
	t.Cleanup(srv.Close)

	return &fixture{t: t, srv: srv, db: database, bus: b, directory: directory}
}

func (f *fixture) listen(user identity.User) *inbox {
	f.t.Helper()
	in := &inbox{id: "test-" + user.ID}
	require.NoError(f.t, f.bus.Subscribe(bus.UserTopic(user.ID), in))
	return in
}

func (f *fixture) do(method, path, token string, body any) (int, map[string]any) {
	f.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) createGroup(token, name string, members ...any) string {
	f.t.Helper()
	status, body := f.do(http.MethodPost, "/chat/groups/create/", token, map[string]any{"name": name, "members": members})
	require.Equal(f.t, http.StatusCreated, status, body)
	return body["conversation_id"].(string)
}

func (f *fixture) participants(token, convID string) []map[string]any {
	f.t.Helper()
	status, body := f.do(http.MethodGet, "/chat/conversations/"+convID+"/participants/", token, nil)
	require.Equal(f.t, http.StatusOK, status, body)
	var out []map[string]any
	for _, m := range body["members"].([]any) {
		out = append(out, m.(map[string]any))
	}
	return out
}

func userIDs(members []map[string]any) []string {
	var ids []string
	for _, m := range members {
		ids = append(ids, m["user_id"].(string))
	}
	return ids
}

func obj(u identity.User) map[string]any {
	return map[string]any{"id": u.ID, "username": u.Username}
}

func TestAuthRequired(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	for _, token := range []string{"", "forged"} {
		status, body := f.do(http.MethodGet, "/chat/conversations/", token, nil)
		req.Equal(http.StatusUnauthorized, status)
		req.Equal(false, body["success"])
		req.Equal("Authentication required", body["error"])
	}
}

func TestGroupLifecycle(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	inboxes := map[string]*inbox{"1": f.listen(alice), "2": f.listen(bob), "3": f.listen(carol)}

	convID := f.createGroup("tok-alice", "Team", obj(bob), obj(carol))

	members := f.participants("tok-alice", convID)
	req.ElementsMatch([]string{"1", "2", "3"}, userIDs(members))
	for _, m := range members {
		req.Equal(m["user_id"] == "1", m["is_admin"], m)
	}
	for _, in := range inboxes {
		created := in.ofType("conversation_created")
		req.Len(created, 1)
		req.Equal(convID, created[0]["conversation"].(map[string]any)["id"])
		req.Equal("Team", created[0]["conversation"].(map[string]any)["name"])
	}

	status, body := f.do(http.MethodPost, "/chat/conversations/"+convID+"/messages/", "tok-alice", map[string]any{"ciphertext": "hi"})
	req.Equal(http.StatusCreated, status, body)
	messageID := body["message_id"]
	for _, in := range inboxes {
		got := in.ofType("message")
		req.Len(got, 1)
		req.Equal("hi", got[0]["ciphertext"])
		req.Equal(messageID, got[0]["id"])
		req.Equal(body["timestamp"], got[0]["timestamp"])
		req.Equal(convID, got[0]["conversationId"])
		req.Equal("sent", got[0]["status"])
		req.Equal("1", got[0]["sender_id"])
	}

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/leave/", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	req.Equal("left", body["message"])
	req.ElementsMatch([]string{"1", "3"}, userIDs(f.participants("tok-alice", convID)))

	status, _ = f.do(http.MethodPost, "/chat/conversations/"+convID+"/leave/", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	status, body = f.do(http.MethodGet, "/chat/conversations/"+convID+"/messages/", "tok-bob", nil)
	req.Equal(http.StatusForbidden, status)
	req.Equal("Not a participant", body["error"])

	for i := 0; i < 2; i++ {
		status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-bot/", "tok-alice", nil)
		req.Equal(http.StatusOK, status)
		req.Equal("aibot", body["bot_added"])
	}
	req.ElementsMatch([]string{"1", "3", "aibot"}, userIDs(f.participants("tok-alice", convID)))

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-bot/", "tok-carol", nil)
	req.Equal(http.StatusForbidden, status)
	req.Equal("Admin required to add bot", body["error"])
}

func TestCreateConversation_Direct(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Repeats of the same participant and references to the caller collapse.
	status, body := f.do(http.MethodPost, "/chat/conversations/", "tok-alice", map[string]any{
		"participants": []any{obj(bob), "2", 2, obj(alice), "alice", map[string]any{"username": "ghost"}},
		"name":         "ignored for direct chats",
	})
	req.Equal(http.StatusCreated, status, body)
	convID := body["conversation_id"].(string)

	req.ElementsMatch([]string{"1", "2"}, userIDs(f.participants("tok-alice", convID)))

	status, body = f.do(http.MethodGet, "/chat/conversations/", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	conversations := body["conversations"].([]any)
	req.Len(conversations, 1)
	req.Equal("", conversations[0].(map[string]any)["name"])
	req.Equal(false, conversations[0].(map[string]any)["is_group"])
}

func TestCreateConversation_DirectNeedsExactlyTwoMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/chat/conversations/", "tok-alice", map[string]any{
		"participants": []any{obj(bob), obj(carol)},
	})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Direct conversations have exactly one other participant", body["error"])

	_, body = f.do(http.MethodGet, "/chat/conversations/", "tok-alice", nil)
	req.Empty(body["conversations"])
}

func TestCreateConversation_GroupFlag(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/chat/conversations/", "tok-alice", map[string]any{
		"participants": []any{obj(bob), "dave", map[string]any{"user_id": 9}},
		"is_group":     true,
		"name":         "crew",
	})
	req.Equal(http.StatusCreated, status, body)
	convID := body["conversation_id"].(string)

	members := f.participants("tok-alice", convID)
	req.ElementsMatch([]string{"1", "2", "dave", "9"}, userIDs(members))
	for _, m := range members {
		if m["user_id"] == "9" {
			req.Equal("user_9", m["username"])
		}
	}

	_, body = f.do(http.MethodGet, "/chat/conversations/", "tok-bob", nil)
	conversations := body["conversations"].([]any)
	req.Len(conversations, 1)
	req.Equal("crew", conversations[0].(map[string]any)["name"])
	req.Equal(true, conversations[0].(map[string]any)["is_group"])
}

func TestCreateConversation_Validation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/chat/conversations/", "tok-alice", map[string]any{"participants": []any{obj(alice)}})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("At least one other participant required", body["error"])

	status, body = f.do(http.MethodPost, "/chat/conversations/", "tok-alice", "{not json")
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Invalid JSON", body["error"])

	status, body = f.do(http.MethodPost, "/chat/groups/create/", "tok-alice", map[string]any{"name": "x"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("name and members are required", body["error"])

	status, body = f.do(http.MethodPost, "/chat/groups/create/", "tok-alice", map[string]any{"name": "x", "members": []any{"1"}})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Need at least 2 members for group", body["error"])
}

func TestListConversations_TolerantMatch(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// "bob" is stored as a bare username in user_id.
	convID := f.createGroup("tok-alice", "legacy", "bob")
	f.createGroup("tok-alice", "other", obj(carol))

	status, body := f.do(http.MethodGet, "/chat/conversations/", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	conversations := body["conversations"].([]any)
	req.Len(conversations, 1)
	req.Equal(convID, conversations[0].(map[string]any)["id"])

	status, _ = f.do(http.MethodGet, "/chat/conversations/"+convID+"/messages/", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
}

func TestCreatorSelfHeal(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	convID := f.createGroup("tok-alice", "Team", obj(bob))

	_, err := f.db.RemoveMember(context.Background(), convID, alice.ID, alice.Username)
	req.NoError(err)

	for i := 0; i < 3; i++ {
		members := f.participants("tok-alice", convID)
		req.ElementsMatch([]string{"1", "2"}, userIDs(members))
	}
	members, err := f.db.ListMembers(context.Background(), convID)
	req.NoError(err)
	req.Len(members, 2)

	// Healed creator rows are admin rows.
	status, _ := f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-bot/", "tok-alice", nil)
	req.Equal(http.StatusOK, status)
}

func TestAddMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	convID := f.createGroup("tok-alice", "Team", obj(bob))

	status, body := f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-member/", "tok-bob", map[string]any{"members": []any{obj(carol)}})
	req.Equal(http.StatusForbidden, status)
	req.Equal("Admin required to add members", body["error"])

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-member/", "tok-alice", map[string]any{"members": []any{}})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("members list required", body["error"])

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-member/", "tok-alice", map[string]any{
		"members": []any{obj(bob), obj(carol), map[string]any{"id": 7}},
	})
	req.Equal(http.StatusOK, status)
	req.Equal([]any{"carol", "user_7"}, body["added"])

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-member/", "tok-alice", map[string]any{"members": []any{obj(carol)}})
	req.Equal(http.StatusOK, status)
	req.Equal([]any{}, body["added"])
}

func TestAddMembers_DirectConversationRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/chat/conversations/", "tok-alice", map[string]any{"participants": []any{obj(bob)}})
	req.Equal(http.StatusCreated, status, body)
	convID := body["conversation_id"].(string)

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-member/", "tok-alice", map[string]any{"members": []any{obj(carol)}})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Members can only be added to group conversations", body["error"])

	status, body = f.do(http.MethodPost, "/chat/conversations/"+convID+"/add-bot/", "tok-alice", nil)
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Members can only be added to group conversations", body["error"])

	req.ElementsMatch([]string{"1", "2"}, userIDs(f.participants("tok-alice", convID)))
}

func TestMessages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	convID := f.createGroup("tok-alice", "Team", obj(bob))
	path := "/chat/conversations/" + convID + "/messages/"

	for _, text := range []string{"one", "two", "three"} {
		status, body := f.do(http.MethodPost, path, "tok-alice", map[string]any{
			"ciphertext": text,
			"metadata":   map[string]any{"alg": "x25519", "n": 1},
		})
		req.Equal(http.StatusCreated, status, body)
	}

	status, body := f.do(http.MethodGet, path+"?limit=2", "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	messages := body["messages"].([]any)
	req.Len(messages, 2)
	req.Equal("two", messages[0].(map[string]any)["ciphertext"])
	req.Equal("three", messages[1].(map[string]any)["ciphertext"])
	req.Equal(map[string]any{"alg": "x25519", "n": float64(1)}, messages[1].(map[string]any)["metadata"])

	status, _ = f.do(http.MethodGet, path+"?limit=abc", "tok-bob", nil)
	req.Equal(http.StatusBadRequest, status)

	status, body = f.do(http.MethodPost, path, "tok-alice", map[string]any{"metadata": map[string]any{}})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("ciphertext required", body["error"])

	status, body = f.do(http.MethodGet, "/chat/conversations/2b0c1a7e-0000-4000-8000-000000000000/messages/", "tok-alice", nil)
	req.Equal(http.StatusNotFound, status)
	req.Equal("conversation_not_found", body["error"])

	status, _ = f.do(http.MethodGet, "/chat/conversations/not-a-uuid/messages/", "tok-alice", nil)
	req.Equal(http.StatusNotFound, status)

	status, _ = f.do(http.MethodGet, path, "tok-carol", nil)
	req.Equal(http.StatusForbidden, status)
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	convID := f.createGroup("tok-alice", "Team", obj(bob))
	path := "/chat/conversations/" + convID + "/messages/"

	_, sent := f.do(http.MethodPost, path, "tok-alice", map[string]any{"ciphertext": "c"})
	messageID := sent["message_id"].(string)

	for i := 0; i < 2; i++ {
		status, body := f.do(http.MethodPost, path+messageID+"/read/", "tok-bob", nil)
		req.Equal(http.StatusOK, status, body)
		msg := body["message"].(map[string]any)
		req.Equal([]any{"2"}, msg["read_by"])
		req.Equal([]any{"2"}, msg["delivered_to"])
	}

	status, body := f.do(http.MethodPost, path+"missing/read/", "tok-bob", nil)
	req.Equal(http.StatusNotFound, status)
	req.Equal("message_not_found", body["error"])

	status, _ = f.do(http.MethodPost, path+messageID+"/read/", "tok-carol", nil)
	req.Equal(http.StatusForbidden, status)
}

func TestUsersProxy(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.directory.EXPECT().
		ListUsers(gomock.Any(), "Bearer tok-alice", "", 1, 20).
		Return(identity.UsersPage{
			Results:  []identity.DirectoryUser{{ID: "2", Username: "bob"}},
			Page:     1,
			PageSize: 20,
			HasNext:  true,
		}, nil)
	status, body := f.do(http.MethodGet, "/chat/users/", "tok-alice", nil)
	req.Equal(http.StatusOK, status)
	req.Equal([]any{
		map[string]any{"id": "2", "username": "bob", "is_bot": false},
		map[string]any{"id": "aibot", "username": "aibot", "is_bot": true},
	}, body["results"])
	req.Equal(true, body["has_next"])

	f.directory.EXPECT().
		ListUsers(gomock.Any(), "Bearer tok-alice", "bo", 1, 5).
		Return(identity.UsersPage{Results: []identity.DirectoryUser{{ID: "2", Username: "bob"}}, Page: 1, PageSize: 5}, nil)
	_, body = f.do(http.MethodGet, "/chat/users/?search=bo&page_size=5", "tok-alice", nil)
	req.Len(body["results"], 1)

	f.directory.EXPECT().
		ListUsers(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(identity.UsersPage{}, errors.New("connection refused"))
	status, body = f.do(http.MethodGet, "/chat/users/?page=2", "tok-alice", nil)
	req.Equal(http.StatusBadGateway, status)
	req.Equal("Auth server unreachable", body["error"])
}

func TestIdentity(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	status, body := f.do(http.MethodPost, "/e2ee/identity/", "tok-alice", map[string]any{})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("public_key required", body["error"])

	status, body = f.do(http.MethodPost, "/e2ee/identity/", "tok-alice", map[string]any{"public_key": "pk-1"})
	req.Equal(http.StatusOK, status)
	req.Equal("1", body["user_id"])
	_, body = f.do(http.MethodPost, "/e2ee/identity/", "tok-alice", map[string]any{"public_key": "pk-2"})
	req.Equal("pk-2", body["public_key"])

	status, body = f.do(http.MethodGet, "/e2ee/identity/1/", "", nil)
	req.Equal(http.StatusOK, status)
	req.Equal("pk-2", body["public_key"])
	req.Equal(identity.Fingerprint("pk-2"), body["fingerprint"])

	status, body = f.do(http.MethodGet, "/e2ee/identity/404/", "", nil)
	req.Equal(http.StatusNotFound, status)
	req.Equal("identity_not_found", body["error"])
}

func TestDirectMessages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	aliceIn, bobIn, carolIn := f.listen(alice), f.listen(bob), f.listen(carol)

	f.do(http.MethodPost, "/e2ee/identity/", "tok-alice", map[string]any{"public_key": "pk-alice"})

	status, body := f.do(http.MethodPost, "/e2ee/dm/", "tok-bob", map[string]any{"user_id": 1})
	req.Equal(http.StatusCreated, status, body)
	req.Equal(true, body["created"])
	req.Equal(map[string]any{"1": "pk-alice"}, body["keys"])
	conv := body["conversation"].(map[string]any)
	req.Equal("1", conv["user1_id"])
	req.Equal("2", conv["user2_id"])
	dmID := conv["id"].(string)

	status, body = f.do(http.MethodPost, "/e2ee/dm/", "tok-alice", map[string]any{"user_id": "2"})
	req.Equal(http.StatusOK, status)
	req.Equal(false, body["created"])
	req.Equal(dmID, body["conversation"].(map[string]any)["id"])

	status, body = f.do(http.MethodPost, "/e2ee/dm/", "tok-alice", map[string]any{"user_id": "1"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("Cannot create DM with yourself", body["error"])
	status, body = f.do(http.MethodPost, "/e2ee/dm/", "tok-alice", map[string]any{})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("user_id required", body["error"])

	_, body = f.do(http.MethodGet, "/e2ee/dm/", "tok-bob", nil)
	dms := body["conversations"].([]any)
	req.Len(dms, 1)
	req.Equal("1", dms[0].(map[string]any)["other_user_id"])

	path := "/e2ee/dm/" + dmID + "/messages/"
	status, body = f.do(http.MethodPost, path, "tok-carol", map[string]any{"nonce": "n", "ciphertext": "c"})
	req.Equal(http.StatusForbidden, status)
	req.Equal("Not a participant", body["error"])

	status, body = f.do(http.MethodPost, path, "tok-alice", map[string]any{"ciphertext": "c"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("nonce and ciphertext required", body["error"])

	status, body = f.do(http.MethodPost, path, "tok-alice", map[string]any{"nonce": "n1", "ciphertext": "c1"})
	req.Equal(http.StatusCreated, status)
	for _, in := range []*inbox{aliceIn, bobIn} {
		got := in.ofType("e2ee_message")
		req.Len(got, 1)
		req.Equal(body["message_id"], got[0]["id"])
		req.Equal("n1", got[0]["nonce"])
		req.Equal(dmID, got[0]["conversationId"])
	}
	req.Empty(carolIn.ofType("e2ee_message"))

	status, body = f.do(http.MethodGet, path, "tok-bob", nil)
	req.Equal(http.StatusOK, status)
	messages := body["messages"].([]any)
	req.Len(messages, 1)
	req.Equal("c1", messages[0].(map[string]any)["ciphertext"])

	status, _ = f.do(http.MethodGet, "/e2ee/dm/2b0c1a7e-0000-4000-8000-000000000000/messages/", "tok-bob", nil)
	req.Equal(http.StatusNotFound, status)
}

func TestDirectMessages_ConcurrentCreateFromBothSides(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i, pair := range [][2]string{{"tok-alice", "2"}, {"tok-bob", "1"}} {
		wg.Add(1)
		go func(i int, token, other string) {
			defer wg.Done()
			_, body := f.do(http.MethodPost, "/e2ee/dm/", token, map[string]any{"user_id": other})
			ids[i] = body["conversation"].(map[string]any)["id"].(string)
		}(i, pair[0], pair[1])
	}
	wg.Wait()
	require.Equal(t, ids[0], ids[1])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/chat/conversations/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
