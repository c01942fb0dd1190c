package chat

import (
	"context"
	"encoding/json"

	"healthchat/internal/models"
)

// Store is the persistence surface the chat flows need. storage.Store implements it.
type Store interface {
	CreateConversation(ctx context.Context, userID, assessmentID string, snapshot json.RawMessage) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error
	IsOwner(ctx context.Context, conversationID, userID string) (bool, error)
	UpdateConversationPreview(ctx context.Context, conversationID, preview string) error

	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	LatestMessageByRole(ctx context.Context, conversationID string, role models.Role) (*models.Message, error)
	PreviousMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, conversationID, messageID, content string) (*models.Message, error)
	UpdateMessageParent(ctx context.Context, conversationID, messageID string, parentID *string) error
	DeleteMessagesAfter(ctx context.Context, target *models.Message) ([]string, error)

	GetAssessment(ctx context.Context, id string) (*models.Assessment, error)
}

// SummaryCache memoizes conversation summaries. Implementations must tolerate
// their backend being unavailable; a failed lookup is a miss.
//
// A miss reports the entry's generation. Store is a no-op unless the
// generation is unchanged, so a summary read before a concurrent Invalidate
// is never cached.
type SummaryCache interface {
	Load(ctx context.Context, conversationID string) (summary *models.ConversationSummary, generation int64, ok bool)
	Store(ctx context.Context, summary *models.ConversationSummary, generation int64)
	Invalidate(ctx context.Context, conversationID string)
}

type noopCache struct{}

func (noopCache) Load(context.Context, string) (*models.ConversationSummary, int64, bool) {
	return nil, 0, false
}
func (noopCache) Store(context.Context, *models.ConversationSummary, int64) {}
func (noopCache) Invalidate(context.Context, string) {}
