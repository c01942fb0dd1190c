package models

import (
	"encoding/json"
	"time"
)

// Conversation groups the messages exchanged about one assessment.
type Conversation struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	AssessmentID     string          `json:"assessmentId"`
	AssessmentObject json.RawMessage `json:"assessmentObject,omitempty"`
	Preview          *string         `json:"preview"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ConversationSummary is the list/summary view without message bodies.
type ConversationSummary struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	AssessmentID string    `json:"assessmentId"`
	Preview      *string   `json:"preview"`
	MessageCount int       `json:"messageCount"`
	HasMessages  bool      `json:"hasMessages"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Pagination struct {
	Total   int  `json:"total"`
	Offset  int  `json:"offset"`
	Limit   *int `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// ConversationView is a conversation as returned by readers, optionally with a page of messages.
type ConversationView struct {
	Conversation
	MessageCount int         `json:"messageCount"`
	HasMessages  bool        `json:"hasMessages"`
	Messages     []*Message  `json:"messages,omitempty"`
	Pagination   *Pagination `json:"pagination,omitempty"`
}

// Summary converts the conversation plus its message count into a summary.
func (c *Conversation) Summary(count int) *ConversationSummary {
	return &ConversationSummary{
		ID:           c.ID,
		UserID:       c.UserID,
		AssessmentID: c.AssessmentID,
		Preview:      c.Preview,
		MessageCount: count,
		HasMessages:  count > 0,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
