package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"healthchat/internal/metrics"
	"healthchat/internal/models"
	"healthchat/internal/storage"
)

const flowEditMessage = "edit_message"

type EditRequest struct {
	ConversationID string
	MessageID      string
	UserID         string
	Content        string
	// Regenerate asks for a fresh assistant reply to the edited user message.
	Regenerate bool
}

type EditResult struct {
	Message          *models.Message `json:"message"`
	RemovedIDs       []string        `json:"removedMessageIds"`
	AssistantMessage *models.Message `json:"assistantMessage,omitempty"`
}

// EditFlow rewrites a message in place and truncates the thread after it.
type EditFlow struct {
	store     Store
	preview   *PreviewMaintainer
	generator *Generator
	cache     SummaryCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewEditFlow(store Store, preview *PreviewMaintainer, generator *Generator, cache SummaryCache, m *metrics.Metrics, logger zerolog.Logger) *EditFlow {
	if cache == nil {
		cache = noopCache{}
	}
	return &EditFlow{store: store, preview: preview, generator: generator, cache: cache, metrics: m, logger: logger}
}

func (f *EditFlow) checkOwner(ctx context.Context, conversationID, userID string) error {
	owner, err := f.store.IsOwner(ctx, conversationID, userID)
	if err != nil {
		return storeError("check ownership", err)
	}
	if !owner {
		return ErrNotFound
	}
	return nil
}

// EditMessage replaces a message's content without touching the rest of the thread.
func (f *EditFlow) EditMessage(ctx context.Context, req EditRequest) (*models.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError("content is required")
	}
	if err := f.checkOwner(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, err
	}
	msg, err := f.store.UpdateMessageContent(ctx, req.ConversationID, req.MessageID, content)
	if err != nil {
		return nil, storeError("edit message", err)
	}
	f.cache.Invalidate(ctx, req.ConversationID)
	return msg, nil
}

// EditWithRegeneration deletes every message after the target, edits the
// target, then either regenerates the reply or refreshes the preview from the
// latest surviving assistant message. Ownership is checked before anything is
// deleted. If the edit itself fails, the deletions stay in effect.
func (f *EditFlow) EditWithRegeneration(ctx context.Context, req EditRequest) (*EditResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, validationError("content is required")
	}
	if err := f.checkOwner(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, err
	}
	target, err := f.store.GetMessage(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, storeError("load message", err)
	}
	if req.Regenerate && target.Role != models.RoleUser {
		return nil, validationError("only user messages can be regenerated")
	}

	result := &EditResult{}
	p := newPipeline(flowEditMessage, f.logger, f.metrics)
	p.add("cleanup_descendants", func(ctx context.Context) error {
		removed, err := f.CleanupDescendants(ctx, target)
		result.RemovedIDs = removed
		return err
	})
	p.add("edit_message", func(ctx context.Context) error {
		msg, err := f.store.UpdateMessageContent(ctx, req.ConversationID, req.MessageID, content)
		if err != nil {
			return storeError("edit message", err)
		}
		result.Message = msg
		return nil
	})
	if req.Regenerate {
		p.add("generate_response", func(ctx context.Context) error {
			msg, err := f.generator.Generate(ctx, req.ConversationID, req.UserID, target.ID, content)
			if err != nil {
				return err
			}
			result.AssistantMessage = msg
			return nil
		})
	} else {
		p.add("refresh_preview", func(ctx context.Context) error {
			return f.refreshPreview(ctx, req.ConversationID)
		})
	}

	err = p.run(ctx)
	f.cache.Invalidate(ctx, req.ConversationID)
	if err != nil {
		return result, err
	}
	f.logger.Info().
		Str("conversation_id", req.ConversationID).
		Str("message_id", req.MessageID).
		Int("removed", len(result.RemovedIDs)).
		Bool("regenerated", req.Regenerate).
		Msg("message edited")
	return result, nil
}

// CleanupDescendants removes every message after target in thread order and
// returns the removed ids.
func (f *EditFlow) CleanupDescendants(ctx context.Context, target *models.Message) ([]string, error) {
	removed, err := f.store.DeleteMessagesAfter(ctx, target)
	if err != nil {
		return nil, storeError("delete descendants", err)
	}
	return removed, nil
}

func (f *EditFlow) refreshPreview(ctx context.Context, conversationID string) error {
	latest, err := f.store.LatestMessageByRole(ctx, conversationID, models.RoleAssistant)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("load latest assistant message", err)
	}
	return f.preview.UpdatePreview(ctx, conversationID, latest.Content)
}
