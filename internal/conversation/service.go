// ABOUTME: Conversation service - business logic over the persistence layer
// ABOUTME: Owns membership checks, canonical private pairs, and log maintenance

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parley-im/relay/internal/store"
)

// Default page sizes matching the REST surface defaults.
const (
	DefaultMessageLimit      = 50
	DefaultConversationLimit = 20
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*store.User, error)
	SearchUsersByName(ctx context.Context, query, excludeID string) ([]*store.User, error)

	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	FindPrivateConversation(ctx context.Context, pairKey string) (*store.Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	ListUserConversations(ctx context.Context, userID string, opts store.ListConversationsOptions) ([]*store.Conversation, int, error)

	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*store.Message, int, error)
	SearchMessages(ctx context.Context, conversationID, query string, page, limit int) ([]*store.Message, int, error)
	LatestMessage(ctx context.Context, conversationID string) (*store.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, userID string, upTo *time.Time, at time.Time) (int64, error)
	MarkMessageDeleted(ctx context.Context, conversationID, messageID, userID string, at time.Time) error
	UpdateMessageContent(ctx context.Context, conversationID, messageID, content, editorID string, at time.Time) error
}

// Service is the conversation-state engine: every message and conversation
// mutation flows through here, regardless of transport.
type Service struct {
	store  ConversationStore
	logger *slog.Logger
}

// New creates a conversation Service. Pass nil logger for default.
func New(st ConversationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "conversation"),
	}
}

// PairKey canonicalizes an unordered user pair so the same two identities
// always map to the same lookup key regardless of argument order.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreatePrivateConversation finds the private conversation between two
// users, creating it if absent. The returned bool reports whether the
// conversation was newly created so callers broadcast "new conversation"
// exactly once.
func (s *Service) GetOrCreatePrivateConversation(ctx context.Context, userA, userB, name string) (*ConversationView, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, invalidArgument("both participants are required")
	}
	if userA == userB {
		return nil, false, invalidArgument("cannot start a conversation with yourself")
	}

	pairKey := PairKey(userA, userB)

	conv, err := s.store.FindPrivateConversation(ctx, pairKey)
	if err == nil {
		view, err := s.resolveConversation(ctx, conv)
		return view, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, internal("could not look up conversation", err)
	}

	participants := strings.SplitN(pairKey, "|", 2)
	now := time.Now()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		Kind:           store.KindPrivate,
		Name:           name,
		PairKey:        pairKey,
		Participants:   participants,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another connection may have created the pair between our lookup
		// and insert; fall back to theirs.
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.FindPrivateConversation(ctx, pairKey)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				view, viewErr := s.resolveConversation(ctx, existing)
				return view, false, viewErr
			}
			return nil, false, internal("could not resolve duplicate conversation", lookupErr)
		}
		return nil, false, internal("could not create conversation", err)
	}

	s.logger.Debug("private conversation created",
		"conversation_id", conv.ID,
		"pair_key", pairKey)

	view, err := s.resolveConversation(ctx, conv)
	return view, true, err
}

// CreateGroupConversation creates a group chat. The admin is always
// included in the participant set; duplicates are removed.
func (s *Service) CreateGroupConversation(ctx context.Context, participantIDs []string, groupName, adminID string) (*ConversationView, error) {
	if strings.TrimSpace(groupName) == "" {
		return nil, invalidArgument("group name is required")
	}

	participants := lo.Uniq(append(append([]string{}, participantIDs...), adminID))
	sort.Strings(participants)
	if len(participants) < 2 {
		return nil, invalidArgument("a group needs at least one participant besides the admin")
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		Kind:           store.KindGroup,
		Name:           strings.TrimSpace(groupName),
		GroupAdmin:     adminID,
		Participants:   participants,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, internal("could not create group conversation", err)
	}

	s.logger.Debug("group conversation created",
		"conversation_id", conv.ID,
		"name", conv.Name,
		"participants", len(participants))

	return s.resolveConversation(ctx, conv)
}

// GetConversation returns a conversation view, enforcing membership.
func (s *Service) GetConversation(ctx context.Context, conversationID, requesterID string) (*ConversationView, error) {
	conv, err := s.authorizedConversation(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.resolveConversation(ctx, conv)
}

// SaveMessageParams carries everything needed to append a message.
type SaveMessageParams struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           string // defaults to text
	ReplyToID      string // optional
}

// SaveMessage appends a message to a conversation and advances the
// conversation's lastMessage / lastActivityAt. The summary update is applied
// after the insert and is deliberately not transactional with it; a crash in
// between leaves a stale summary that heals on the next successful write.
func (s *Service) SaveMessage(ctx context.Context, params SaveMessageParams) (*MessageView, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, invalidArgument("message content is required")
	}
	msgType := params.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	if !store.ValidMessageType(msgType) {
		return nil, invalidArgument("unknown message type %q", msgType)
	}

	conv, err := s.participantConversation(ctx, params.ConversationID, params.SenderID,
		"sender is not a participant of this conversation")
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       params.SenderID,
		Content:        params.Content,
		Type:           msgType,
		Editable:       true,
		Deletable:      true,
		CreatedAt:      time.Now(),
	}

	if params.ReplyToID != "" {
		target, err := s.store.GetMessage(ctx, conv.ID, params.ReplyToID)
		if err != nil || target.Deleted() {
			return nil, invalidArgument("replied-to message not found")
		}
		senderName := params.ReplyToID
		if sender, err := s.store.GetUser(ctx, target.SenderID); err == nil {
			senderName = sender.DisplayName
		}
		msg.ReplyToID = target.ID
		msg.Reply = &store.ReplySnapshot{
			Content:    target.Content,
			SenderName: senderName,
			Type:       target.Type,
		}
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, internal("could not save message", err)
	}

	if err := s.store.UpdateLastMessage(ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		// Summary lags behind the log until the next write; the message
		// itself is durable.
		s.logger.Error("failed to update conversation summary",
			"error", err,
			"conversation_id", conv.ID,
			"message_id", msg.ID)
	}

	return s.resolveMessage(ctx, msg)
}

// GetMessages returns one page of a conversation's messages ordered oldest
// to newest. limit -1 returns the entire log.
func (s *Service) GetMessages(ctx context.Context, conversationID, requesterID string, page, limit int) (*MessagePage, error) {
	if _, err := s.participantConversation(ctx, conversationID, requesterID,
		"requester is not a participant of this conversation"); err != nil {
		return nil, err
	}

	page, limit = normalizePaging(page, limit, DefaultMessageLimit)
	msgs, total, err := s.store.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		return nil, internal("could not fetch messages", err)
	}

	views, err := s.resolveMessages(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: views, TotalCount: total, Page: page, Limit: limit}, nil
}

// SearchMessagesInConversation filters a conversation's messages by
// case-insensitive substring match, newest first.
func (s *Service) SearchMessagesInConversation(ctx context.Context, conversationID, requesterID, query string, page, limit int) (*MessagePage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidArgument("search query is required")
	}
	if _, err := s.participantConversation(ctx, conversationID, requesterID,
		"requester is not a participant of this conversation"); err != nil {
		return nil, err
	}

	page, limit = normalizePaging(page, limit, DefaultMessageLimit)
	msgs, total, err := s.store.SearchMessages(ctx, conversationID, query, page, limit)
	if err != nil {
		return nil, internal("could not search messages", err)
	}

	views, err := s.resolveMessages(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: views, TotalCount: total, Page: page, Limit: limit}, nil
}

// GetUserConversations lists the user's conversations by most recent
// activity. A non-empty search restricts the listing to conversations shared
// with users whose display name matches; no matching users means an empty
// page, never an unfiltered fallback.
func (s *Service) GetUserConversations(ctx context.Context, userID string, page, limit int, search string) (*ConversationPage, error) {
	page, limit = normalizePaging(page, limit, DefaultConversationLimit)

	opts := store.ListConversationsOptions{Page: page, Limit: limit}
	if strings.TrimSpace(search) != "" {
		matched, err := s.store.SearchUsersByName(ctx, strings.TrimSpace(search), userID)
		if err != nil {
			return nil, internal("could not search users", err)
		}
		if len(matched) == 0 {
			return &ConversationPage{Conversations: []*ConversationView{}, TotalCount: 0, Page: page, Limit: limit}, nil
		}
		opts.WithAnyOf = lo.Map(matched, func(u *store.User, _ int) string { return u.ID })
	}

	convs, total, err := s.store.ListUserConversations(ctx, userID, opts)
	if err != nil {
		return nil, internal("could not fetch conversations", err)
	}

	views, err := s.resolveConversations(ctx, convs)
	if err != nil {
		return nil, err
	}
	return &ConversationPage{Conversations: views, TotalCount: total, Page: page, Limit: limit}, nil
}

// MarkMessagesAsRead records read receipts for all messages in the
// conversation authored by others and not yet read by userID. When
// lastMessageID is given, only messages created at or before it are marked,
// so a message sent after the client's read snapshot stays unread.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID, userID, lastMessageID string) (int64, error) {
	if _, err := s.participantConversation(ctx, conversationID, userID,
		"requester is not a participant of this conversation"); err != nil {
		return 0, err
	}

	var upTo *time.Time
	if lastMessageID != "" {
		msg, err := s.store.GetMessage(ctx, conversationID, lastMessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, notFound("message not found in this conversation")
			}
			return 0, internal("could not look up message", err)
		}
		upTo = &msg.CreatedAt
	}

	n, err := s.store.MarkMessagesRead(ctx, conversationID, userID, upTo, time.Now())
	if err != nil {
		return 0, internal("could not mark messages as read", err)
	}

	s.logger.Debug("messages marked read",
		"conversation_id", conversationID,
		"user_id", userID,
		"modified", n)
	return n, nil
}

// DeleteMessage removes a message from the visible log. Only the original
// sender may delete, and only once. If the deleted message was the
// conversation's lastMessage, the summary is recomputed from the newest
// remaining message, falling back to the conversation's creation time.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	conv, err := s.conversationByID(ctx, conversationID)
	if err != nil {
		return err
	}

	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("message not found in this conversation")
		}
		return internal("could not look up message", err)
	}
	if msg.Deleted() {
		return notFound("message not found in this conversation")
	}
	if msg.SenderID != userID {
		return forbidden("only the sender can delete this message")
	}

	if err := s.store.MarkMessageDeleted(ctx, conversationID, messageID, userID, time.Now()); err != nil {
		if errors.Is(err, store.ErrMessageLocked) {
			// Lost a race with a concurrent delete.
			return notFound("message not found in this conversation")
		}
		return internal("could not delete message", err)
	}

	if conv.LastMessageID == messageID {
		s.recomputeLastMessage(ctx, conv)
	}

	s.logger.Debug("message deleted",
		"conversation_id", conversationID,
		"message_id", messageID,
		"deleted_by", userID)
	return nil
}

// UpdateMessage replaces a message's content. Only the original sender may
// edit, and each message allows exactly one edit.
func (s *Service) UpdateMessage(ctx context.Context, conversationID, messageID, newContent, userID string) (*MessageView, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, invalidArgument("new content is required")
	}
	if _, err := s.conversationByID(ctx, conversationID); err != nil {
		return nil, err
	}

	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("message not found in this conversation")
		}
		return nil, internal("could not look up message", err)
	}
	if msg.Deleted() {
		return nil, notFound("message not found in this conversation")
	}
	if msg.SenderID != userID {
		return nil, forbidden("only the sender can edit this message")
	}
	if !msg.Editable {
		return nil, forbidden("message has already been edited")
	}

	if err := s.store.UpdateMessageContent(ctx, conversationID, messageID, newContent, userID, time.Now()); err != nil {
		if errors.Is(err, store.ErrMessageLocked) {
			return nil, forbidden("message has already been edited")
		}
		return nil, internal("could not update message", err)
	}

	updated, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, internal("could not reload message", err)
	}
	return s.resolveMessage(ctx, updated)
}

// --- internals ---

// conversationByID fetches a conversation, mapping missing rows to NotFound.
func (s *Service) conversationByID(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("conversation not found")
		}
		return nil, internal("could not look up conversation", err)
	}
	return conv, nil
}

// participantConversation fetches a conversation and requires userID to be a
// participant.
func (s *Service) participantConversation(ctx context.Context, conversationID, userID, denyMessage string) (*store.Conversation, error) {
	conv, err := s.conversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(conv.Participants, userID) {
		return nil, forbidden("%s", denyMessage)
	}
	return conv, nil
}

// authorizedConversation is participantConversation with the generic denial.
func (s *Service) authorizedConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	return s.participantConversation(ctx, conversationID, userID,
		"requester is not a participant of this conversation")
}

// recomputeLastMessage repoints a conversation summary at its newest
// remaining message after a delete. Failures leave the summary stale, which
// the next write repairs.
func (s *Service) recomputeLastMessage(ctx context.Context, conv *store.Conversation) {
	latest, err := s.store.LatestMessage(ctx, conv.ID)
	switch {
	case err == nil:
		if err := s.store.UpdateLastMessage(ctx, conv.ID, latest.ID, latest.CreatedAt); err != nil {
			s.logger.Error("failed to repoint last message", "error", err, "conversation_id", conv.ID)
		}
	case errors.Is(err, store.ErrNotFound):
		if err := s.store.UpdateLastMessage(ctx, conv.ID, "", conv.CreatedAt); err != nil {
			s.logger.Error("failed to clear last message", "error", err, "conversation_id", conv.ID)
		}
	default:
		s.logger.Error("failed to find latest message", "error", err, "conversation_id", conv.ID)
	}
}

// resolveMessage joins a stored message with its sender's user record.
func (s *Service) resolveMessage(ctx context.Context, msg *store.Message) (*MessageView, error) {
	views, err := s.resolveMessages(ctx, []*store.Message{msg})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// resolveMessages joins a batch of stored messages with their senders.
// Unknown senders degrade to an ID-only participant rather than failing the
// whole read.
func (s *Service) resolveMessages(ctx context.Context, msgs []*store.Message) ([]*MessageView, error) {
	senderIDs := lo.Uniq(lo.Map(msgs, func(m *store.Message, _ int) string { return m.SenderID }))
	users, err := s.store.GetUsers(ctx, senderIDs)
	if err != nil {
		return nil, internal("could not resolve message senders", err)
	}

	views := make([]*MessageView, len(msgs))
	for i, msg := range msgs {
		view := &MessageView{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Sender:         participantView(msg.SenderID, users[msg.SenderID]),
			Content:        msg.Content,
			Type:           msg.Type,
			ReadBy:         msg.ReadBy,
			Edited:         msg.Edited,
			EditedAt:       msg.EditedAt,
			CreatedAt:      msg.CreatedAt,
		}
		if view.ReadBy == nil {
			view.ReadBy = []string{}
		}
		if msg.Reply != nil {
			view.Reply = &ReplyView{
				MessageID:  msg.ReplyToID,
				Content:    msg.Reply.Content,
				SenderName: msg.Reply.SenderName,
				Type:       msg.Reply.Type,
			}
		}
		views[i] = view
	}
	return views, nil
}

// resolveConversation joins a stored conversation with its participants'
// user records and last message.
func (s *Service) resolveConversation(ctx context.Context, conv *store.Conversation) (*ConversationView, error) {
	views, err := s.resolveConversations(ctx, []*store.Conversation{conv})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *Service) resolveConversations(ctx context.Context, convs []*store.Conversation) ([]*ConversationView, error) {
	userIDs := lo.Uniq(lo.FlatMap(convs, func(c *store.Conversation, _ int) []string { return c.Participants }))
	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, internal("could not resolve participants", err)
	}

	views := make([]*ConversationView, len(convs))
	for i, conv := range convs {
		view := &ConversationView{
			ID:             conv.ID,
			Kind:           conv.Kind,
			Name:           conv.Name,
			GroupAdmin:     conv.GroupAdmin,
			LastActivityAt: conv.LastActivityAt,
			CreatedAt:      conv.CreatedAt,
			Participants: lo.Map(conv.Participants, func(id string, _ int) Participant {
				return participantView(id, users[id])
			}),
		}
		if conv.LastMessageID != "" {
			last, err := s.store.GetMessage(ctx, conv.ID, conv.LastMessageID)
			if err == nil && !last.Deleted() {
				lastView, err := s.resolveMessage(ctx, last)
				if err != nil {
					return nil, err
				}
				view.LastMessage = lastView
			}
		}
		views[i] = view
	}
	return views, nil
}

// participantView builds a Participant from a user record, degrading to an
// ID-only view when the record is missing.
func participantView(id string, user *store.User) Participant {
	if user == nil {
		return Participant{ID: id, DisplayName: id, Status: store.StatusOffline}
	}
	return Participant{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Avatar:      user.Avatar,
		Status:      user.Status,
	}
}

// normalizePaging applies the 1-based page convention and the limit=-1
// sentinel.
func normalizePaging(page, limit, defaultLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit == -1:
		// unbounded
	case limit <= 0:
		limit = defaultLimit
	}
	return page, limit
}
