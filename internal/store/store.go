// ABOUTME: Store interface and data types for parley-relay persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a private conversation
// for a participant pair that already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrMessageLocked is returned when a conditional message update finds the
// message no longer editable or deletable (single-use policy already spent)
var ErrMessageLocked = errors.New("message locked")

// Conversation kinds
const (
	KindPrivate = "private"
	KindGroup   = "group"
)

// User presence status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Message content types
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeVideo = "video"
	MessageTypeAudio = "audio"
)

// ValidMessageType reports whether t is a known message content type.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVideo, MessageTypeAudio:
		return true
	}
	return false
}

// User is a chat user record. This service does not own account creation;
// rows are written by the account system and refreshed here on presence
// changes only.
type User struct {
	ID          string
	DisplayName string
	Avatar      string
	Status      string // "online" | "offline"
	LastActive  time.Time
}

// Conversation groups participants around an ordered message log.
// A private conversation has exactly two participants stored in canonical
// (sorted) order; PairKey is the sorted pair joined with "|" and is unique
// across private conversations.
type Conversation struct {
	ID             string
	Kind           string // "private" | "group"
	Name           string // required for groups, optional for private
	GroupAdmin     string // group only
	PairKey        string // private only
	Participants   []string
	LastMessageID  string // non-owning back-reference, empty if none
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// ReplySnapshot is the denormalized view of the message being replied to,
// captured at send time so rendering a reply needs no second lookup.
type ReplySnapshot struct {
	Content    string
	SenderName string
	Type       string
}

// Message is a single entry in a conversation's log. CreatedAt is assigned
// by the server at insertion and is the sole ordering key.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	ReplyToID      string
	Reply          *ReplySnapshot
	ReadBy         []string
	Edited         bool
	EditedBy       string
	EditedAt       *time.Time
	Editable       bool
	DeletedBy      string
	DeletedAt      *time.Time
	Deletable      bool
	CreatedAt      time.Time
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// ListConversationsOptions narrows and pages a user's conversation listing.
// Limit -1 means no pagination. WithAnyOf, when non-empty, restricts the
// result to conversations that also contain at least one of the given users.
type ListConversationsOptions struct {
	Page      int
	Limit     int
	WithAnyOf []string
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Users (consumed, not owned - presence updates only plus test seeding)
	SaveUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]*User, error)
	SetUserPresence(ctx context.Context, id, status string, lastActive time.Time) error
	SearchUsersByName(ctx context.Context, query, excludeID string) ([]*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindPrivateConversation(ctx context.Context, pairKey string) (*Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
	ListUserConversations(ctx context.Context, userID string, opts ListConversationsOptions) ([]*Conversation, int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*Message, int, error)
	SearchMessages(ctx context.Context, conversationID, query string, page, limit int) ([]*Message, int, error)
	LatestMessage(ctx context.Context, conversationID string) (*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, userID string, upTo *time.Time, at time.Time) (int64, error)
	MarkMessageDeleted(ctx context.Context, conversationID, messageID, userID string, at time.Time) error
	UpdateMessageContent(ctx context.Context, conversationID, messageID, content, editorID string, at time.Time) error

	// Close releases any resources held by the store
	Close() error

	// Ping verifies the store is reachable (readiness checks)
	Ping(ctx context.Context) error
}
