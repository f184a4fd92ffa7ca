// ABOUTME: Fully-resolved read models returned by the conversation service
// ABOUTME: Joins sender/participant user records onto stored entities

package conversation

import "time"

// Participant is a user as seen inside a conversation view.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Status      string `json:"status"`
}

// ReplyView is the denormalized snapshot of a replied-to message.
type ReplyView struct {
	MessageID  string `json:"messageId"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	Type       string `json:"type"`
}

// MessageView is a message with its sender resolved. ReadBy never contains
// the author.
type MessageView struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	Type           string      `json:"type"`
	Reply          *ReplyView  `json:"replyTo,omitempty"`
	ReadBy         []string    `json:"readBy"`
	Edited         bool        `json:"edited"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ConversationView is a conversation with participants resolved and the
// last message attached.
type ConversationView struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	Name           string        `json:"name,omitempty"`
	GroupAdmin     string        `json:"groupAdmin,omitempty"`
	Participants   []Participant `json:"participants"`
	LastMessage    *MessageView  `json:"lastMessage,omitempty"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ParticipantIDs returns the identity set of the conversation's participants.
func (c *ConversationView) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	return ids
}

// HasParticipant reports whether the given user is in the conversation.
func (c *ConversationView) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// MessagePage is one page of a conversation's message log.
type MessagePage struct {
	Messages   []*MessageView `json:"messages"`
	TotalCount int            `json:"totalCount"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
}

// ConversationPage is one page of a user's conversation listing.
type ConversationPage struct {
	Conversations []*ConversationView `json:"conversations"`
	TotalCount    int                 `json:"totalCount"`
	Page          int                 `json:"page"`
	Limit         int                 `json:"limit"`
}
