package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/stats"
	"github.com/npezzotti/gosocial/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	repo *database.BadgerChatRepository
	cs   *ChatServer
	srv  *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	repo, err := database.NewBadgerChatRepository("", testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cs, err := NewChatServer(testutil.TestLogger(t), repo, stats.NewStatsUpdater(nil), opts)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		u, err := repo.GetAccountById(id)
		if err != nil {
			http.Error(w, "unknown user", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(u.ToAPI(), conn)
	}))
	t.Cleanup(func() {
		cs.Shutdown(context.Background())
		srv.Close()
	})

	return &testEnv{repo: repo, cs: cs, srv: srv}
}

func (e *testEnv) user(t *testing.T, name string) database.User {
	u, err := e.repo.CreateAccount(database.CreateAccountParams{Username: name, EmailAddress: name + "@example.com"})
	require.NoError(t, err)
	return u
}

func (e *testEnv) dial(t *testing.T, userId int) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "?user=" + strconv.Itoa(userId)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil reads frames until match returns true and returns all frames
// read, the matching one last.
func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) []ServerMessage {
	t.Helper()

	var frames []ServerMessage
	for {
		msg := readFrame(t, conn)
		frames = append(frames, msg)
		if match(msg) {
			return frames
		}
	}
}

func responseTo(id int) func(ServerMessage) bool {
	return func(m ServerMessage) bool {
		return m.Response != nil && m.Id == id
	}
}

func countFrames(frames []ServerMessage, match func(ServerMessage) bool) int {
	n := 0
	for _, f := range frames {
		if match(f) {
			n++
		}
	}
	return n
}

func isNewMessage(m ServerMessage) bool { return m.NewMessage != nil }

func TestEndToEndDeliveryAndRead(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	_, err := env.repo.CreateChat(database.CreateChatParams{
		Name:       "general",
		IsGroup:    true,
		OwnerId:    alice.Id,
		ExternalId: "chat-1",
		MemberIds:  []int{bob.Id},
	})
	require.NoError(t, err)

	a := env.dial(t, alice.Id)
	b := env.dial(t, bob.Id)

	require.NoError(t, a.WriteJSON(map[string]any{"id": 1, "joinChat": map[string]any{"chatId": "chat-1"}}))
	joined := readUntil(t, a, responseTo(1))
	assert.Equal(t, http.StatusOK, joined[len(joined)-1].Response.ResponseCode)

	require.NoError(t, b.WriteJSON(map[string]any{"id": 1, "joinChat": map[string]any{"chatId": "chat-1"}}))
	readUntil(t, b, responseTo(1))

	require.NoError(t, a.WriteJSON(map[string]any{"id": 2, "sendMessage": map[string]any{"chatId": "chat-1", "content": "hello"}}))
	sent := readUntil(t, a, responseTo(2))
	assert.Equal(t, http.StatusAccepted, sent[len(sent)-1].Response.ResponseCode)

	require.NoError(t, b.WriteJSON(map[string]any{"id": 2, "markRead": map[string]any{"chatId": "chat-1"}}))
	bFrames := readUntil(t, b, responseTo(2))
	assert.Equal(t, 1, countFrames(bFrames, isNewMessage), "expected bob to receive the message exactly once")
	read := bFrames[len(bFrames)-1]
	assert.Equal(t, map[string]any{"success": true, "markedAsRead": float64(1)}, read.Response.Data)

	aFrames := readUntil(t, a, func(m ServerMessage) bool { return m.MessagesRead != nil })
	assert.Zero(t, countFrames(append(sent, aFrames...), isNewMessage), "expected the sender not to receive its own message")
	assert.Equal(t, 1, aFrames[len(aFrames)-1].MessagesRead.Count)

	counts, err := env.repo.UnreadCounts(bob.Id)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 0, counts[0].UnreadCount)

	counts, err = env.repo.UnreadCounts(alice.Id)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[0].UnreadCount, "expected own messages never to count as unread")
}

func TestEndToEndDisconnectStopsTyping(t *testing.T) {
	env := newTestEnv(t, Options{TypingTimeout: time.Minute})
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	_, err := env.repo.CreateChat(database.CreateChatParams{
		IsGroup:    true,
		OwnerId:    alice.Id,
		ExternalId: "chat-1",
		MemberIds:  []int{bob.Id},
	})
	require.NoError(t, err)

	a := env.dial(t, alice.Id)
	b := env.dial(t, bob.Id)

	require.NoError(t, b.WriteJSON(map[string]any{"id": 1, "joinChat": map[string]any{"chatId": "chat-1"}}))
	readUntil(t, b, responseTo(1))
	require.NoError(t, a.WriteJSON(map[string]any{"id": 1, "joinChat": map[string]any{"chatId": "chat-1"}}))
	readUntil(t, a, responseTo(1))

	require.NoError(t, a.WriteJSON(map[string]any{"id": 2, "startTyping": map[string]any{"chatId": "chat-1"}}))
	readUntil(t, b, func(m ServerMessage) bool { return m.UserTyping != nil })

	require.NoError(t, a.Close())

	frames := readUntil(t, b, func(m ServerMessage) bool { return m.UserLeft != nil })
	require.GreaterOrEqual(t, len(frames), 2)
	assert.NotNil(t, frames[len(frames)-2].UserStoppedTyping, "expected typing to stop before the leave event")
	assert.Equal(t, alice.Id, frames[len(frames)-1].UserLeft.UserId)
}

func TestEndToEndRejectsNonMembers(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.user(t, "alice")
	mallory := env.user(t, "mallory")
	_, err := env.repo.CreateChat(database.CreateChatParams{IsGroup: true, OwnerId: alice.Id, ExternalId: "chat-1"})
	require.NoError(t, err)

	m := env.dial(t, mallory.Id)
	require.NoError(t, m.WriteJSON(map[string]any{"id": 1, "joinChat": map[string]any{"chatId": "chat-1"}}))
	res := readFrame(t, m)
	assert.Equal(t, http.StatusForbidden, res.Response.ResponseCode)

	require.NoError(t, m.WriteJSON(map[string]any{"id": 2, "joinChat": map[string]any{"chatId": "missing"}}))
	res = readFrame(t, m)
	assert.Equal(t, http.StatusNotFound, res.Response.ResponseCode)
}
