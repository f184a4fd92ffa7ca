// ABOUTME: Websocket relay: upgrades connections, authenticates, routes events
// ABOUTME: Fan-out goes through the registry so every device of a user is hit

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/parley-im/relay/internal/auth"
	"github.com/parley-im/relay/internal/conversation"
	"github.com/parley-im/relay/internal/metrics"
	"github.com/parley-im/relay/internal/presence"
	"github.com/parley-im/relay/internal/registry"
)

// Config tunes connection handling. Zero values are replaced by defaults.
type Config struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	RequestTimeout  time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Relay owns the websocket surface of the service.
type Relay struct {
	cfg      Config
	verifier auth.TokenVerifier
	registry *registry.Registry
	tracker  *presence.Tracker
	service  *conversation.Service
	upgrader websocket.Upgrader
	validate *validator.Validate
	logger   *slog.Logger
}

// New wires the relay against its collaborators.
func New(cfg Config, verifier auth.TokenVerifier, reg *registry.Registry, tracker *presence.Tracker, svc *conversation.Service, logger *slog.Logger) *Relay {
	return &Relay{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		registry: reg,
		tracker:  tracker,
		service:  svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth is the
			// bearer token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate: validator.New(),
		logger:   logger.With("component", "relay"),
	}
}

// HandleWS upgrades an HTTP request into a relay session. The token travels
// in the Authorization header or, for browser websocket clients that cannot
// set headers, in the "token" query parameter.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	token := auth.RequestToken(req)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := r.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(uuid.NewString(), userID, conn, r)
	sess.authenticate()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	r.tracker.HandleConnect(ctx, userID, sess)
	cancel()

	metrics.ConnectionsActive.Inc()
	r.logger.Info("session opened", "conn_id", sess.ID(), "user_id", userID)

	go sess.writePump()
	go sess.readPump()
}

// decode unmarshals and validates an inbound payload, reporting problems to
// the issuing session. Returns false when the payload is unusable.
func (r *Relay) decode(s *Session, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		s.sendError("malformed payload", 400)
		return false
	}
	if err := r.validate.Struct(v); err != nil {
		s.sendError(err.Error(), 400)
		return false
	}
	return true
}

// fail converts a service error into the uniform error event for the issuer.
func (r *Relay) fail(s *Session, err error) {
	s.sendError(conversation.PublicMessage(err), conversation.HTTPStatus(conversation.StatusOf(err)))
}

// --- event handlers ---

func (r *Relay) handleSendPrivateMessage(ctx context.Context, s *Session, raw json.RawMessage) {
	var p sendPrivateMessagePayload
	if !r.decode(s, raw, &p) {
		return
	}

	conv, created, err := r.service.GetOrCreatePrivateConversation(ctx, s.UserID(), p.ReceiverID, "")
	if err != nil {
		r.fail(s, err)
		return
	}

	msg, err := r.service.SaveMessage(ctx, conversation.SaveMessageParams{
		ConversationID: conv.ID,
		SenderID:       s.UserID(),
		Content:        p.Content,
		Type:           p.Type,
		ReplyToID:      p.ReplyTo,
	})
	if err != nil {
		r.fail(s, err)
		return
	}

	if created {
		r.registry.PushToUsers(conv.ParticipantIDs(), EventNewConversationReceived, conv)
	}
	r.registry.PushToUsers(conv.ParticipantIDs(), EventReceiveMessage, msg)
}

func (r *Relay) handleSendGroupMessage(ctx context.Context, s *Session, raw json.RawMessage) {
	var p sendGroupMessagePayload
	if !r.decode(s, raw, &p) {
		return
	}

	conv, err := r.service.GetConversation(ctx, p.ConversationID, s.UserID())
	if err != nil {
		r.fail(s, err)
		return
	}

	msg, err := r.service.SaveMessage(ctx, conversation.SaveMessageParams{
		ConversationID: conv.ID,
		SenderID:       s.UserID(),
		Content:        p.Content,
		Type:           p.Type,
		ReplyToID:      p.ReplyTo,
	})
	if err != nil {
		r.fail(s, err)
		return
	}

	r.registry.PushToUsers(conv.ParticipantIDs(), EventReceiveMessage, msg)
}

func (r *Relay) handleCreateConversation(ctx context.Context, s *Session, raw json.RawMessage) {
	var p createConversationPayload
	if !r.decode(s, raw, &p) {
		return
	}

	var (
		conv *conversation.ConversationView
		err  error
	)
	switch p.Type {
	case "private":
		if p.ParticipantID == "" {
			s.sendError("participantId is required for private conversations", 400)
			return
		}
		conv, _, err = r.service.GetOrCreatePrivateConversation(ctx, s.UserID(), p.ParticipantID, p.Name)
	case "group":
		conv, err = r.service.CreateGroupConversation(ctx, p.ParticipantIDs, p.Name, s.UserID())
	}
	if err != nil {
		r.fail(s, err)
		return
	}

	r.registry.PushToUsers(conv.ParticipantIDs(), EventReceiveConversation, conv)
}

func (r *Relay) handleGetChatHistory(ctx context.Context, s *Session, raw json.RawMessage) {
	var p getChatHistoryPayload
	if !r.decode(s, raw, &p) {
		return
	}

	page, err := r.service.GetMessages(ctx, p.ConversationID, s.UserID(), p.Page, p.Limit)
	if err != nil {
		r.fail(s, err)
		return
	}
	s.Send(EventChatHistory, page)
}

func (r *Relay) handleGetUserConversations(ctx context.Context, s *Session, raw json.RawMessage) {
	var p getUserConversationsPayload
	if len(raw) > 0 && !r.decode(s, raw, &p) {
		return
	}

	page, err := r.service.GetUserConversations(ctx, s.UserID(), p.Page, p.Limit, p.Search)
	if err != nil {
		r.fail(s, err)
		return
	}
	s.Send(EventUserConversations, page)
}

// handleTypingIndicator is fire-and-forget: a stale or unauthorized typing
// event is dropped silently rather than bounced back as an error.
func (r *Relay) handleTypingIndicator(ctx context.Context, s *Session, raw json.RawMessage) {
	var p typingIndicatorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return
	}

	conv, err := r.service.GetConversation(ctx, p.ConversationID, s.UserID())
	if err != nil {
		return
	}

	others := lo.Filter(conv.ParticipantIDs(), func(id string, _ int) bool { return id != s.UserID() })
	r.registry.PushToUsers(others, EventTypingIndicator, typingBroadcast{
		ConversationID: conv.ID,
		UserID:         s.UserID(),
		IsTyping:       p.IsTyping,
	})
}

func (r *Relay) handleMarkConversationAsRead(ctx context.Context, s *Session, raw json.RawMessage) {
	var p markConversationAsReadPayload
	if !r.decode(s, raw, &p) {
		return
	}

	modified, err := r.service.MarkMessagesAsRead(ctx, p.ConversationID, s.UserID(), p.LastMessageID)
	if err != nil {
		r.fail(s, err)
		return
	}

	conv, err := r.service.GetConversation(ctx, p.ConversationID, s.UserID())
	if err != nil {
		r.fail(s, err)
		return
	}
	r.registry.PushToUsers(conv.ParticipantIDs(), EventMessageRead, messageReadBroadcast{
		ConversationID: conv.ID,
		UserID:         s.UserID(),
		ModifiedCount:  modified,
		LastMessageID:  p.LastMessageID,
	})
}

func (r *Relay) handleDeleteMessage(ctx context.Context, s *Session, raw json.RawMessage) {
	var p deleteMessagePayload
	if !r.decode(s, raw, &p) {
		return
	}

	// Authorization and participant list first: once the message is gone the
	// conversation is still needed for fan-out.
	conv, err := r.service.GetConversation(ctx, p.ConversationID, s.UserID())
	if err != nil {
		r.fail(s, err)
		return
	}

	if err := r.service.DeleteMessage(ctx, p.ConversationID, p.MessageID, s.UserID()); err != nil {
		r.fail(s, err)
		return
	}

	r.registry.PushToUsers(conv.ParticipantIDs(), EventMessageDeleted, messageDeletedBroadcast{
		ConversationID: conv.ID,
		MessageID:      p.MessageID,
		DeletedBy:      s.UserID(),
	})
}

func (r *Relay) handleUpdateMessage(ctx context.Context, s *Session, raw json.RawMessage) {
	var p updateMessagePayload
	if !r.decode(s, raw, &p) {
		return
	}

	conv, err := r.service.GetConversation(ctx, p.ConversationID, s.UserID())
	if err != nil {
		r.fail(s, err)
		return
	}

	msg, err := r.service.UpdateMessage(ctx, p.ConversationID, p.MessageID, p.Content, s.UserID())
	if err != nil {
		r.fail(s, err)
		return
	}

	r.registry.PushToUsers(conv.ParticipantIDs(), EventMessageUpdated, messageUpdatedBroadcast{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		NewContent:     msg.Content,
		UpdatedBy:      s.UserID(),
	})
}
