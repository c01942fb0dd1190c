package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Mode selects between the generative provider and canned replies.
type Mode string

const (
	ModeAI   Mode = "ai"
	ModeMock Mode = "mock"
)

// ModeFor returns ModeAI when an API key is configured.
func ModeFor(apiKey string) Mode {
	if strings.TrimSpace(apiKey) == "" {
		return ModeMock
	}
	return ModeAI
}

// ErrEmptyReply is returned when a provider answers with no text.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// Provider produces an assistant reply for an ordered conversation.
type Provider interface {
	Generate(ctx context.Context, messages []*schema.Message) (string, error)
}

// ProviderConfig selects and configures the chat model behind a Provider.
type ProviderConfig struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

type chatModelProvider struct {
	chatModel model.BaseChatModel
}

// NewProvider builds an eino chat model for openai, claude or gemini.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   defaultModel(cfg.Model, "gpt-4o-mini"),
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  defaultModel(cfg.Model, "gemini-2.0-flash"),
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     defaultModel(cfg.Model, "claude-3-5-haiku-latest"),
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return NewChatModelProvider(chatModel), nil
}

// NewChatModelProvider adapts any eino chat model.
func NewChatModelProvider(chatModel model.BaseChatModel) Provider {
	return &chatModelProvider{chatModel: chatModel}
}

func (p *chatModelProvider) Generate(ctx context.Context, messages []*schema.Message) (string, error) {
	resp, err := p.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyReply
	}
	return resp.Content, nil
}

func defaultModel(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
