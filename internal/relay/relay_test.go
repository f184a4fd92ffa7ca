// ABOUTME: End-to-end tests for the websocket relay
// ABOUTME: Dials real connections and verifies dispatch, fan-out and errors

package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/relay/internal/auth"
	"github.com/parley-im/relay/internal/conversation"
	"github.com/parley-im/relay/internal/presence"
	"github.com/parley-im/relay/internal/registry"
	"github.com/parley-im/relay/internal/store"
)

const readWait = 3 * time.Second

type testRelay struct {
	server   *httptest.Server
	verifier *auth.JWTVerifier
	service  *conversation.Service
	registry *registry.Registry
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	tracker := presence.New(reg, st, logger)
	svc := conversation.New(st, logger)
	verifier := auth.NewJWTVerifier([]byte("test-secret"))

	r := New(Config{}, verifier, reg, tracker, svc, logger)

	server := httptest.NewServer(http.HandlerFunc(r.HandleWS))
	t.Cleanup(server.Close)

	return &testRelay{
		server:   server,
		verifier: verifier,
		service:  svc,
		registry: reg,
	}
}

func (tr *testRelay) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	token, err := tr.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)

	before := len(tr.registry.ConnectionsOf(userID))

	url := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// Registration runs server-side after the handshake; wait for it so a
	// send immediately after dialing always fans out to this connection.
	require.Eventually(t, func() bool {
		return len(tr.registry.ConnectionsOf(userID)) > before
	}, readWait, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

// readEvent returns the next non-presence envelope. Presence broadcasts
// arrive interleaved with protocol replies and are not what these tests
// assert on.
func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == presence.EventUserOnline || env.Event == presence.EventUserOffline {
			continue
		}
		return env
	}
}

func decodeInto(t *testing.T, env Envelope, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestHandleWS_RejectsMissingOrBadToken(t *testing.T) {
	tr := newTestRelay(t)
	url := "ws" + strings.TrimPrefix(tr.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_RegistersUser(t *testing.T) {
	tr := newTestRelay(t)

	tr.dial(t, "alice")

	require.Eventually(t, func() bool {
		return tr.registry.IsOnline("alice")
	}, readWait, 10*time.Millisecond)
}

func TestSendPrivateMessage_FanOutToAllDevices(t *testing.T) {
	tr := newTestRelay(t)

	alicePhone := tr.dial(t, "alice")
	aliceLaptop := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, bob, EventSendPrivateMessage, map[string]any{
		"receiverId": "alice",
		"content":    "hi alice",
	})

	// First contact creates the conversation, so every participant device
	// sees new-conversation-received before the message itself.
	for _, conn := range []*websocket.Conn{alicePhone, aliceLaptop, bob} {
		env := readEvent(t, conn)
		require.Equal(t, EventNewConversationReceived, env.Event)

		env = readEvent(t, conn)
		require.Equal(t, EventReceiveMessage, env.Event)

		var msg conversation.MessageView
		decodeInto(t, env, &msg)
		assert.Equal(t, "hi alice", msg.Content)
		assert.Equal(t, "bob", msg.Sender.ID)
	}
}

func TestSendPrivateMessage_ExistingConversationSkipsCreationEvent(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, bob, EventSendPrivateMessage, map[string]any{"receiverId": "alice", "content": "first"})
	require.Equal(t, EventNewConversationReceived, readEvent(t, alice).Event)
	require.Equal(t, EventReceiveMessage, readEvent(t, alice).Event)
	require.Equal(t, EventNewConversationReceived, readEvent(t, bob).Event)
	require.Equal(t, EventReceiveMessage, readEvent(t, bob).Event)

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "second"})
	assert.Equal(t, EventReceiveMessage, readEvent(t, alice).Event)
	assert.Equal(t, EventReceiveMessage, readEvent(t, bob).Event)
}

func TestSendPrivateMessage_SelfPairError(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, "alice")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "alice", "content": "echo"})

	env := readEvent(t, alice)
	require.Equal(t, EventChatError, env.Event)

	var chatErr ChatError
	decodeInto(t, env, &chatErr)
	assert.Equal(t, http.StatusBadRequest, chatErr.Status)
}

func TestSendPrivateMessage_MissingFields(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, "alice")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob"})

	env := readEvent(t, alice)
	require.Equal(t, EventChatError, env.Event)
}

func TestCreateConversationAndGroupMessage(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")
	carol := tr.dial(t, "carol")

	send(t, alice, EventCreateConversation, map[string]any{
		"type":           "group",
		"name":           "book club",
		"participantIds": []string{"bob", "carol"},
	})

	var conv conversation.ConversationView
	for _, conn := range []*websocket.Conn{alice, bob, carol} {
		env := readEvent(t, conn)
		require.Equal(t, EventReceiveConversation, env.Event)
		decodeInto(t, env, &conv)
	}
	require.NotEmpty(t, conv.ID)

	send(t, bob, EventSendGroupMessage, map[string]any{
		"conversationId": conv.ID,
		"content":        "meeting tonight",
	})

	for _, conn := range []*websocket.Conn{alice, bob, carol} {
		env := readEvent(t, conn)
		require.Equal(t, EventReceiveMessage, env.Event)

		var msg conversation.MessageView
		decodeInto(t, env, &msg)
		assert.Equal(t, "meeting tonight", msg.Content)
	}
}

func TestSendGroupMessage_NonParticipantGetsError(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	mallory := tr.dial(t, "mallory")

	send(t, alice, EventCreateConversation, map[string]any{
		"type": "group", "name": "private club", "participantIds": []string{"bob"},
	})
	env := readEvent(t, alice)
	require.Equal(t, EventReceiveConversation, env.Event)
	var conv conversation.ConversationView
	decodeInto(t, env, &conv)

	send(t, mallory, EventSendGroupMessage, map[string]any{
		"conversationId": conv.ID,
		"content":        "let me in",
	})

	env = readEvent(t, mallory)
	require.Equal(t, EventChatError, env.Event)

	var chatErr ChatError
	decodeInto(t, env, &chatErr)
	assert.Equal(t, http.StatusForbidden, chatErr.Status)
}

func TestGetChatHistory_ReplyOnlyToRequester(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "one"})
	require.Equal(t, EventNewConversationReceived, readEvent(t, alice).Event)
	env := readEvent(t, alice)
	require.Equal(t, EventReceiveMessage, env.Event)
	var msg conversation.MessageView
	decodeInto(t, env, &msg)
	readEvent(t, bob) // new-conversation-received
	readEvent(t, bob) // receive-message

	send(t, alice, EventGetChatHistory, map[string]any{"conversationId": msg.ConversationID})

	env = readEvent(t, alice)
	require.Equal(t, EventChatHistory, env.Event)

	var page conversation.MessagePage
	decodeInto(t, env, &page)
	assert.Equal(t, 1, page.TotalCount)
}

func TestGetUserConversations(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "hi"})
	readEvent(t, alice)
	readEvent(t, alice)
	readEvent(t, bob)
	readEvent(t, bob)

	send(t, alice, EventGetUserConversations, map[string]any{})

	env := readEvent(t, alice)
	require.Equal(t, EventUserConversations, env.Event)

	var page conversation.ConversationPage
	decodeInto(t, env, &page)
	assert.Equal(t, 1, page.TotalCount)
}

func TestTypingIndicator_ExcludesSender(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "hi"})
	readEvent(t, alice)
	env := readEvent(t, alice)
	var msg conversation.MessageView
	decodeInto(t, env, &msg)
	readEvent(t, bob)
	readEvent(t, bob)

	send(t, alice, EventTypingIndicator, map[string]any{
		"conversationId": msg.ConversationID,
		"isTyping":       true,
	})

	env = readEvent(t, bob)
	require.Equal(t, EventTypingIndicator, env.Event)

	var typing typingBroadcast
	decodeInto(t, env, &typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)

	// The sender gets nothing back; the next thing alice sees must not be a
	// typing echo. Trigger a history reply to prove the stream moved on.
	send(t, alice, EventGetChatHistory, map[string]any{"conversationId": msg.ConversationID})
	env = readEvent(t, alice)
	assert.Equal(t, EventChatHistory, env.Event)
}

func TestDeleteAndUpdateMessageBroadcasts(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "tpyo"})
	readEvent(t, alice)
	env := readEvent(t, alice)
	var msg conversation.MessageView
	decodeInto(t, env, &msg)
	readEvent(t, bob)
	readEvent(t, bob)

	send(t, alice, EventUpdateMessage, map[string]any{
		"conversationId": msg.ConversationID,
		"messageId":      msg.ID,
		"content":        "typo",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEvent(t, conn)
		require.Equal(t, EventMessageUpdated, env.Event)

		var updated messageUpdatedBroadcast
		decodeInto(t, env, &updated)
		assert.Equal(t, "typo", updated.NewContent)
		assert.Equal(t, "alice", updated.UpdatedBy)
	}

	send(t, alice, EventDeleteMessage, map[string]any{
		"conversationId": msg.ConversationID,
		"messageId":      msg.ID,
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEvent(t, conn)
		require.Equal(t, EventMessageDeleted, env.Event)

		var deleted messageDeletedBroadcast
		decodeInto(t, env, &deleted)
		assert.Equal(t, msg.ID, deleted.MessageID)
		assert.Equal(t, "alice", deleted.DeletedBy)
	}
}

func TestMarkConversationAsReadBroadcast(t *testing.T) {
	tr := newTestRelay(t)

	alice := tr.dial(t, "alice")
	bob := tr.dial(t, "bob")

	send(t, alice, EventSendPrivateMessage, map[string]any{"receiverId": "bob", "content": "unread"})
	readEvent(t, alice)
	env := readEvent(t, alice)
	var msg conversation.MessageView
	decodeInto(t, env, &msg)
	readEvent(t, bob)
	readEvent(t, bob)

	send(t, bob, EventMarkConversationAsRead, map[string]any{
		"conversationId": msg.ConversationID,
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEvent(t, conn)
		require.Equal(t, EventMessageRead, env.Event)

		var read messageReadBroadcast
		decodeInto(t, env, &read)
		assert.Equal(t, "bob", read.UserID)
		assert.Equal(t, int64(1), read.ModifiedCount)
	}
}

func TestUnknownEvent(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, "alice")

	send(t, alice, "no-such-event", map[string]any{})

	env := readEvent(t, alice)
	require.Equal(t, EventChatError, env.Event)

	var chatErr ChatError
	decodeInto(t, env, &chatErr)
	assert.Contains(t, chatErr.Message, "no-such-event")
}

func TestMalformedEnvelope(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEvent(t, alice)
	assert.Equal(t, EventChatError, env.Event)
}

func TestDisconnect_LastConnectionMarksOffline(t *testing.T) {
	tr := newTestRelay(t)

	observer := tr.dial(t, "observer")
	alice := tr.dial(t, "alice")

	require.Eventually(t, func() bool {
		return tr.registry.IsOnline("alice")
	}, readWait, 10*time.Millisecond)

	alice.Close()

	// The observer sees the offline broadcast once alice's socket drops.
	deadline := time.Now().Add(readWait)
	for {
		require.NoError(t, observer.SetReadDeadline(deadline))
		var env Envelope
		require.NoError(t, observer.ReadJSON(&env))
		if env.Event != presence.EventUserOffline {
			continue
		}
		var update presence.StatusUpdate
		decodeInto(t, env, &update)
		if update.UserID == "alice" {
			break
		}
	}

	require.Eventually(t, func() bool {
		return !tr.registry.IsOnline("alice")
	}, readWait, 10*time.Millisecond)
}
