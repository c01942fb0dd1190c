package models

import (
	"encoding/json"
	"time"
)

// Assessment is a user-submitted health assessment owned by the assessment service.
// Conversations keep a snapshot of Payload taken when they are created.
type Assessment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}
