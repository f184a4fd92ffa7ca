// ABOUTME: Protocol event names and payload types for the relay
// ABOUTME: One envelope both directions: {"event": name, "data": payload}

package relay

import "encoding/json"

// Client -> server events.
const (
	EventSendPrivateMessage     = "send-private-message"
	EventSendGroupMessage       = "send-group-message"
	EventCreateConversation     = "create-conversation"
	EventGetChatHistory         = "get-chat-history"
	EventGetUserConversations   = "get-user-conversations"
	EventTypingIndicator        = "typing-indicator"
	EventMarkConversationAsRead = "mark-conversation-as-read"
	EventDeleteMessage          = "delete-message"
	EventUpdateMessage          = "update-message"
)

// Server -> client events.
const (
	EventReceiveMessage          = "receive-message"
	EventReceiveConversation     = "receive-conversation"
	EventNewConversationReceived = "new-conversation-received"
	EventChatHistory             = "chat-history"
	EventUserConversations       = "user-conversations"
	EventMessageRead             = "message-read"
	EventMessageDeleted          = "message-deleted"
	EventMessageUpdated          = "message-updated"
	EventChatError               = "chat-error"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound is a server event ready for the write pump.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// --- inbound payloads ---

type sendPrivateMessagePayload struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
	Type       string `json:"type" validate:"omitempty,oneof=text image file video audio"`
	ReplyTo    string `json:"replyTo"`
}

type sendGroupMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required"`
	Type           string `json:"type" validate:"omitempty,oneof=text image file video audio"`
	ReplyTo        string `json:"replyTo"`
}

type createConversationPayload struct {
	Type           string   `json:"type" validate:"required,oneof=private group"`
	ParticipantID  string   `json:"participantId"`
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name"`
}

type getChatHistoryPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

type getUserConversationsPayload struct {
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Search string `json:"search"`
}

type typingIndicatorPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type markConversationAsReadPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	LastMessageID  string `json:"lastMessageId"`
}

type deleteMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
}

type updateMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
	Content        string `json:"content" validate:"required"`
}

// --- outbound payloads ---

// ChatError is the uniform error envelope sent to the issuing connection.
type ChatError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type typingBroadcast struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type messageReadBroadcast struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ModifiedCount  int64  `json:"modifiedCount"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
}

type messageDeletedBroadcast struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	DeletedBy      string `json:"deletedBy"`
}

type messageUpdatedBroadcast struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	NewContent     string `json:"newContent"`
	UpdatedBy      string `json:"updatedBy"`
}
