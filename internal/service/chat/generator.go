package chat

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"healthchat/internal/metrics"
	"healthchat/internal/models"
	"healthchat/internal/service/ai"
)

const DefaultProviderTimeout = 30 * time.Second

const systemPrompt = "You are a supportive assistant in a menstrual health tracking app. " +
	"Answer clearly and kindly, keep replies short, and suggest seeing a healthcare provider " +
	"when symptoms sound severe. You do not diagnose."

// Generator produces and persists the assistant reply to a user message.
// In ai mode it calls the provider; any provider failure falls back to the
// mock responder, so a reply is always produced.
type Generator struct {
	store    Store
	linker   *Linker
	preview  *PreviewMaintainer
	provider ai.Provider
	mock     *ai.MockResponder
	mode     ai.Mode
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type GeneratorConfig struct {
	Mode     ai.Mode
	Provider ai.Provider
	Mock     *ai.MockResponder
	Timeout  time.Duration
}

func NewGenerator(store Store, linker *Linker, preview *PreviewMaintainer, cfg GeneratorConfig, m *metrics.Metrics, logger zerolog.Logger) *Generator {
	mode := cfg.Mode
	if mode != ai.ModeAI || cfg.Provider == nil {
		mode = ai.ModeMock
	}
	mock := cfg.Mock
	if mock == nil {
		mock = ai.NewMockResponder(nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Generator{
		store:    store,
		linker:   linker,
		preview:  preview,
		provider: cfg.Provider,
		mock:     mock,
		mode:     mode,
		timeout:  timeout,
		metrics:  m,
		logger:   logger,
	}
}

// Mode reports the generation mode fixed at construction.
func (g *Generator) Mode() ai.Mode { return g.mode }

// Generate replies to the user message userMessageID, stores the reply as its
// child and refreshes the conversation preview.
func (g *Generator) Generate(ctx context.Context, conversationID, userID, userMessageID, text string) (*models.Message, error) {
	content := g.reply(ctx, conversationID, userMessageID, text)

	parent, err := g.linker.VerifyParent(ctx, conversationID, &userMessageID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ConversationID:  conversationID,
		Role:            models.RoleAssistant,
		Content:         content,
		ParentMessageID: parent,
	}
	if err := g.store.InsertMessage(ctx, msg); err != nil {
		return nil, storeError("insert assistant message", err)
	}
	g.metrics.RecordMessage(string(models.RoleAssistant))

	if err := g.preview.UpdatePreview(ctx, conversationID, msg.Content); err != nil {
		return nil, err
	}
	g.logger.Debug().
		Str("conversation_id", conversationID).
		Str("user_id", userID).
		Str("message_id", msg.ID).
		Msg("assistant reply stored")
	return msg, nil
}

func (g *Generator) reply(ctx context.Context, conversationID, userMessageID, text string) string {
	if g.mode != ai.ModeAI {
		g.metrics.RecordGeneration("mock")
		return g.mock.Respond(text)
	}
	content, err := g.callProvider(ctx, conversationID, userMessageID, text)
	if err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("provider failed, using mock reply")
		g.metrics.RecordGeneration("fallback")
		return g.mock.Respond(text)
	}
	g.metrics.RecordGeneration("ai")
	return content
}

func (g *Generator) callProvider(ctx context.Context, conversationID, userMessageID, text string) (string, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", storeError("load conversation", err)
	}
	history, err := g.store.ListMessages(ctx, conversationID)
	if err != nil {
		return "", storeError("load history", err)
	}
	input := buildPrompt(conv, historyBefore(history, userMessageID), text)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	content, err := g.provider.Generate(callCtx, input)
	g.metrics.ObserveProvider(time.Since(start))
	if err != nil {
		return "", err
	}
	return content, nil
}

// historyBefore returns the messages that sort before messageID in thread
// order, keeping their relative order. An unknown id yields the whole thread.
func historyBefore(history []*models.Message, messageID string) []*models.Message {
	var target *models.Message
	for _, m := range history {
		if m.ID == messageID {
			target = m
			break
		}
	}
	if target == nil {
		return history
	}
	out := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m.Before(target) {
			out = append(out, m)
		}
	}
	return out
}

func buildPrompt(conv *models.Conversation, history []*models.Message, text string) []*schema.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if len(conv.AssessmentObject) > 0 {
		sb.WriteString("\n\nThe user's assessment results (JSON):\n")
		sb.Write(conv.AssessmentObject)
	}
	out := make([]*schema.Message, 0, len(history)+2)
	out = append(out, schema.SystemMessage(sb.String()))
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return append(out, schema.UserMessage(text))
}
