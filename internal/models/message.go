package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role can be stored in a conversation thread.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single turn in a conversation thread.
// ParentMessageID is nil only for the first message of a conversation.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversationId"`
	Role            Role       `json:"role"`
	Content         string     `json:"content"`
	ParentMessageID *string    `json:"parentMessageId"`
	CreatedAt       time.Time  `json:"createdAt"`
	EditedAt        *time.Time `json:"editedAt,omitempty"`
}

// Before reports whether m sorts before other in thread order (created_at, then id).
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
