package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"healthchat/internal/metrics"
	"healthchat/internal/models"
)

const flowSendMessage = "send_message"

// SendRequest is a user message bound for a new or existing conversation.
// AssessmentID is required only when ConversationID is empty.
type SendRequest struct {
	UserID         string
	Text           string
	ConversationID string
	AssessmentID   string
}

// SendResult carries the stored pair. On a failed flow it holds whatever was
// written before the failure, so a client can retry against the same conversation.
type SendResult struct {
	ConversationID   string          `json:"conversationId"`
	UserMessage      *models.Message `json:"userMessage"`
	AssistantMessage *models.Message `json:"assistantMessage"`
}

// SendFlow appends a user message and its assistant reply.
type SendFlow struct {
	store     Store
	linker    *Linker
	generator *Generator
	cache     SummaryCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewSendFlow(store Store, linker *Linker, generator *Generator, cache SummaryCache, m *metrics.Metrics, logger zerolog.Logger) *SendFlow {
	if cache == nil {
		cache = noopCache{}
	}
	return &SendFlow{store: store, linker: linker, generator: generator, cache: cache, metrics: m, logger: logger}
}

// Send validates the request, creates the conversation when needed, stores the
// user message and generates the reply. Validation and ownership failures
// happen before any write.
func (f *SendFlow) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, validationError("message is required")
	}

	var snapshot *models.Assessment
	if req.ConversationID != "" {
		owner, err := f.store.IsOwner(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, storeError("check ownership", err)
		}
		if !owner {
			return nil, ErrNotFound
		}
	} else {
		if strings.TrimSpace(req.AssessmentID) == "" {
			return nil, validationError("assessmentId is required to start a conversation")
		}
		assessment, err := f.store.GetAssessment(ctx, req.AssessmentID)
		if err != nil {
			return nil, storeError("load assessment", err)
		}
		if assessment.UserID != req.UserID {
			return nil, errors.Wrap(ErrNotFound, "assessment")
		}
		snapshot = assessment
	}

	result := &SendResult{ConversationID: req.ConversationID}
	p := newPipeline(flowSendMessage, f.logger, f.metrics)
	if snapshot != nil {
		p.addCompensated("create_conversation",
			func(ctx context.Context) error {
				conv, err := f.store.CreateConversation(ctx, req.UserID, snapshot.ID, snapshot.Payload)
				if err != nil {
					return storeError("create conversation", err)
				}
				result.ConversationID = conv.ID
				return nil
			},
			func(ctx context.Context) error {
				return f.store.DeleteConversation(ctx, result.ConversationID)
			})
	}
	p.addCheckpoint("insert_user_message", func(ctx context.Context) error {
		msg, err := f.appendUserMessage(ctx, result.ConversationID, text)
		if err != nil {
			return err
		}
		result.UserMessage = msg
		return nil
	})
	p.add("generate_response", func(ctx context.Context) error {
		msg, err := f.generator.Generate(ctx, result.ConversationID, req.UserID, result.UserMessage.ID, text)
		if err != nil {
			return err
		}
		result.AssistantMessage = msg
		return nil
	})

	err := p.run(ctx)
	if result.UserMessage != nil {
		f.cache.Invalidate(ctx, result.ConversationID)
	}
	if err != nil {
		if result.UserMessage == nil {
			// the new conversation was rolled back
			result.ConversationID = req.ConversationID
		}
		return result, err
	}
	f.logger.Info().
		Str("conversation_id", result.ConversationID).
		Str("user_id", req.UserID).
		Str("mode", string(f.generator.Mode())).
		Msg("message exchanged")
	return result, nil
}

// appendUserMessage stores text as the next user message. When the thread
// already ends on an identical user message that never got a reply, that
// message is resumed instead of stored twice.
func (f *SendFlow) appendUserMessage(ctx context.Context, conversationID, text string) (*models.Message, error) {
	latest, err := f.linker.MostRecentMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Role == models.RoleUser && latest.Content == text {
		f.logger.Info().
			Str("conversation_id", conversationID).
			Str("message_id", latest.ID).
			Msg("resuming unanswered user message")
		return latest, nil
	}

	var parent *string
	if latest != nil {
		parent, err = f.linker.VerifyParent(ctx, conversationID, &latest.ID)
		if err != nil {
			return nil, err
		}
	}
	msg := &models.Message{
		ConversationID:  conversationID,
		Role:            models.RoleUser,
		Content:         text,
		ParentMessageID: parent,
	}
	if err := f.store.InsertMessage(ctx, msg); err != nil {
		return nil, storeError("insert user message", err)
	}
	f.metrics.RecordMessage(string(models.RoleUser))
	return msg, nil
}
