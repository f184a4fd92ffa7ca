// ABOUTME: Tests for the REST surface
// ABOUTME: Exercises routes end to end against a real service and store

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/relay/internal/auth"
	"github.com/parley-im/relay/internal/conversation"
	"github.com/parley-im/relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pushRecord struct {
	userIDs []string
	event   string
}

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []pushRecord
}

func (n *recordingNotifier) PushToUsers(userIDs []string, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, pushRecord{userIDs: userIDs, event: event})
}

func (n *recordingNotifier) all() []pushRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]pushRecord, len(n.pushes))
	copy(out, n.pushes)
	return out
}

type testAPI struct {
	router   *mux.Router
	verifier *auth.JWTVerifier
	service  *conversation.Service
	store    *store.SQLiteStore
	notifier *recordingNotifier
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := conversation.New(st, nil)
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	notifier := &recordingNotifier{}

	router := mux.NewRouter()
	New(svc, notifier, testLogger()).Register(router, verifier)

	return &testAPI{
		router:   router,
		verifier: verifier,
		service:  svc,
		store:    st,
		notifier: notifier,
	}
}

func (a *testAPI) request(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, reader)
	if userID != "" {
		token, err := a.verifier.Generate(userID, time.Hour)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, r)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Error
}

func TestAPI_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_CreatePrivateConversation(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type":          "private",
		"participantId": "bob",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var conv conversation.ConversationView
	decodeData(t, w, &conv)
	assert.Equal(t, store.KindPrivate, conv.Kind)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs())

	pushes := api.notifier.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, "receive-conversation", pushes[0].event)

	// Creating the same pair again returns the existing conversation.
	w = api.request(t, "bob", http.MethodPost, "/api/conversations", map[string]any{
		"type":          "private",
		"participantId": "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var again conversation.ConversationView
	decodeData(t, w, &again)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, api.notifier.all(), 1)
}

func TestAPI_CreatePrivateConversation_SelfPair(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type":          "private",
		"participantId": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, http.StatusBadRequest, body.Status)
	assert.NotEmpty(t, body.Message)
}

func TestAPI_CreateGroupConversation(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type":           "group",
		"name":           "book club",
		"participantIds": []string{"bob", "carol"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var conv conversation.ConversationView
	decodeData(t, w, &conv)
	assert.Equal(t, "alice", conv.GroupAdmin)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, conv.ParticipantIDs())
}

func TestAPI_PostAndListMessages(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	w = api.request(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "hello bob",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var msg conversation.MessageView
	decodeData(t, w, &msg)
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, store.MessageTypeText, msg.Type)

	w = api.request(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page conversation.MessagePage
	decodeData(t, w, &page)
	assert.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
}

func TestAPI_ListMessages_NonParticipantForbidden(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	w = api.request(t, "mallory", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_SearchMessages(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	for _, content := range []string{"deploy now", "lunch", "deploy later"} {
		w = api.request(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{
			"content": content,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w = api.request(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?q=deploy", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page conversation.MessagePage
	decodeData(t, w, &page)
	assert.Equal(t, 2, page.TotalCount)
}

func TestAPI_MarkRead(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	w = api.request(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "unread",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = api.request(t, "bob", http.MethodPost, "/api/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		ModifiedCount int64 `json:"modifiedCount"`
	}
	decodeData(t, w, &result)
	assert.Equal(t, int64(1), result.ModifiedCount)
}

func TestAPI_DeleteMessage(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	w = api.request(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "oops",
	})
	var msg conversation.MessageView
	decodeData(t, w, &msg)

	// Only the sender may delete.
	w = api.request(t, "bob", http.MethodDelete, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.request(t, "alice", http.MethodDelete, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.request(t, "bob", http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	var page conversation.MessagePage
	decodeData(t, w, &page)
	assert.Zero(t, page.TotalCount)
}

func TestAPI_UpdateMessage_SingleEdit(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
		"type": "private", "participantId": "bob",
	})
	var conv conversation.ConversationView
	decodeData(t, w, &conv)

	w = api.request(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{
		"content": "tpyo",
	})
	var msg conversation.MessageView
	decodeData(t, w, &msg)

	w = api.request(t, "alice", http.MethodPatch, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, map[string]any{
		"content": "typo",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var updated conversation.MessageView
	decodeData(t, w, &updated)
	assert.Equal(t, "typo", updated.Content)
	assert.True(t, updated.Edited)

	w = api.request(t, "alice", http.MethodPatch, "/api/conversations/"+conv.ID+"/messages/"+msg.ID, map[string]any{
		"content": "again",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_ListConversations(t *testing.T) {
	api := newTestAPI(t)

	for _, other := range []string{"bob", "carol"} {
		w := api.request(t, "alice", http.MethodPost, "/api/conversations", map[string]any{
			"type": "private", "participantId": other,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := api.request(t, "alice", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page conversation.ConversationPage
	decodeData(t, w, &page)
	assert.Equal(t, 2, page.TotalCount)
	assert.Len(t, page.Conversations, 2)
}

func TestAPI_GetConversation_NotFound(t *testing.T) {
	api := newTestAPI(t)

	w := api.request(t, "alice", http.MethodGet, "/api/conversations/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_MalformedBody(t *testing.T) {
	api := newTestAPI(t)

	token, err := api.verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewReader([]byte("{not json")))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
