// ABOUTME: REST surface mirroring the relay protocol operations
// ABOUTME: gorilla/mux routes behind bearer-token middleware

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/parley-im/relay/internal/auth"
	"github.com/parley-im/relay/internal/conversation"
	"github.com/parley-im/relay/internal/relay"
)

// API serves the HTTP mirror of the relay operations. Everything the
// websocket protocol can do, a plain HTTP client can do here; broadcasts
// still reach connected devices through the notifier.
type API struct {
	service  *conversation.Service
	notifier Notifier
	validate *validator.Validate
	logger   *slog.Logger
}

// Notifier pushes server events to a user's live connections. The relay's
// registry satisfies it; tests substitute a recorder.
type Notifier interface {
	PushToUsers(userIDs []string, event string, data any)
}

// New builds the API against the conversation service. notifier may be nil
// when no live push is wanted.
func New(svc *conversation.Service, notifier Notifier, logger *slog.Logger) *API {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		service:  svc,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

type noopNotifier struct{}

func (noopNotifier) PushToUsers([]string, string, any) {}

// Register mounts the API routes on the given router, wrapped in token auth.
func (a *API) Register(r *mux.Router, verifier auth.TokenVerifier) {
	s := r.PathPrefix("/api").Subrouter()
	s.Use(auth.HTTPMiddleware(verifier))

	s.HandleFunc("/conversations", a.listConversations).Methods(http.MethodGet)
	s.HandleFunc("/conversations", a.createConversation).Methods(http.MethodPost)
	s.HandleFunc("/conversations/{id}", a.getConversation).Methods(http.MethodGet)
	s.HandleFunc("/conversations/{id}/messages", a.listMessages).Methods(http.MethodGet)
	s.HandleFunc("/conversations/{id}/messages", a.postMessage).Methods(http.MethodPost)
	s.HandleFunc("/conversations/{id}/read", a.markRead).Methods(http.MethodPost)
	s.HandleFunc("/conversations/{id}/messages/{messageID}", a.deleteMessage).Methods(http.MethodDelete)
	s.HandleFunc("/conversations/{id}/messages/{messageID}", a.updateMessage).Methods(http.MethodPatch)
}

// --- request/response plumbing ---

type errorBody struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": errorBody{Message: message, Status: status},
	})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := conversation.HTTPStatus(conversation.StatusOf(err))
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	a.writeError(w, status, conversation.PublicMessage(err))
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (a *API) requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		a.writeError(w, http.StatusUnauthorized, "not authenticated")
	}
	return userID, ok
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// --- handlers ---

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}

	page, err := a.service.GetUserConversations(r.Context(), userID,
		queryInt(r, "page"), queryInt(r, "limit"), r.URL.Query().Get("search"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, page)
}

type createConversationRequest struct {
	Type           string   `json:"type" validate:"required,oneof=private group"`
	ParticipantID  string   `json:"participantId"`
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name"`
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	var (
		conv    *conversation.ConversationView
		created bool
		err     error
	)
	switch req.Type {
	case "private":
		if req.ParticipantID == "" {
			a.writeError(w, http.StatusBadRequest, "participantId is required for private conversations")
			return
		}
		conv, created, err = a.service.GetOrCreatePrivateConversation(r.Context(), userID, req.ParticipantID, req.Name)
	case "group":
		conv, err = a.service.CreateGroupConversation(r.Context(), req.ParticipantIDs, req.Name, userID)
		created = err == nil
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if created {
		a.notifier.PushToUsers(conv.ParticipantIDs(), relay.EventReceiveConversation, conv)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.writeJSON(w, status, conv)
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}

	conv, err := a.service.GetConversation(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, conv)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}

	convID := mux.Vars(r)["id"]
	page, limit := queryInt(r, "page"), queryInt(r, "limit")

	var (
		result *conversation.MessagePage
		err    error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		result, err = a.service.SearchMessagesInConversation(r.Context(), convID, userID, q, page, limit)
	} else {
		result, err = a.service.GetMessages(r.Context(), convID, userID, page, limit)
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

type postMessageRequest struct {
	Content string `json:"content" validate:"required"`
	Type    string `json:"type" validate:"omitempty,oneof=text image file video audio"`
	ReplyTo string `json:"replyTo"`
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	convID := mux.Vars(r)["id"]
	msg, err := a.service.SaveMessage(r.Context(), conversation.SaveMessageParams{
		ConversationID: convID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           req.Type,
		ReplyToID:      req.ReplyTo,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if conv, cerr := a.service.GetConversation(r.Context(), convID, userID); cerr == nil {
		a.notifier.PushToUsers(conv.ParticipantIDs(), relay.EventReceiveMessage, msg)
	}
	a.writeJSON(w, http.StatusCreated, msg)
}

type markReadRequest struct {
	LastMessageID string `json:"lastMessageId"`
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if r.ContentLength > 0 && !a.decodeBody(w, r, &req) {
		return
	}

	convID := mux.Vars(r)["id"]
	modified, err := a.service.MarkMessagesAsRead(r.Context(), convID, userID, req.LastMessageID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"modifiedCount": modified})
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	if err := a.service.DeleteMessage(r.Context(), vars["id"], vars["messageID"], userID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type updateMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

func (a *API) updateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requester(w, r)
	if !ok {
		return
	}
	var req updateMessageRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	msg, err := a.service.UpdateMessage(r.Context(), vars["id"], vars["messageID"], req.Content, userID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, msg)
}
