package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"healthchat/internal/metrics"
	"healthchat/internal/models"
	"healthchat/internal/service/ai"
)

// Options wires a Service. Only Store is required.
type Options struct {
	Store    Store
	Mode     ai.Mode
	Provider ai.Provider
	Mock     *ai.MockResponder
	Timeout  time.Duration
	Cache    SummaryCache
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// Service bundles the conversation components over one store.
type Service struct {
	store Store
	cache SummaryCache

	Linker    *Linker
	Preview   *PreviewMaintainer
	Generator *Generator
	Sender    *SendFlow
	Editor    *EditFlow
	Reader    *Reader
}

func NewService(opts Options) *Service {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "chat").Logger()
	cache := opts.Cache
	if cache == nil {
		cache = noopCache{}
	}

	linker := NewLinker(opts.Store, logger)
	preview := NewPreviewMaintainer(opts.Store)
	generator := NewGenerator(opts.Store, linker, preview, GeneratorConfig{
		Mode:     opts.Mode,
		Provider: opts.Provider,
		Mock:     opts.Mock,
		Timeout:  opts.Timeout,
	}, opts.Metrics, logger)

	return &Service{
		store:     opts.Store,
		cache:     cache,
		Linker:    linker,
		Preview:   preview,
		Generator: generator,
		Sender:    NewSendFlow(opts.Store, linker, generator, cache, opts.Metrics, logger),
		Editor:    NewEditFlow(opts.Store, preview, generator, cache, opts.Metrics, logger),
		Reader:    NewReader(opts.Store, cache, opts.Metrics),
	}
}

func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	return s.Sender.Send(ctx, req)
}

func (s *Service) EditMessage(ctx context.Context, req EditRequest) (*models.Message, error) {
	return s.Editor.EditMessage(ctx, req)
}

func (s *Service) EditWithRegeneration(ctx context.Context, req EditRequest) (*EditResult, error) {
	return s.Editor.EditWithRegeneration(ctx, req)
}

func (s *Service) GetConversationForUser(ctx context.Context, id, userID string, opts ReadOptions) (*models.ConversationView, error) {
	return s.Reader.GetConversationForUser(ctx, id, userID, opts)
}

func (s *Service) GetConversationSummaryForUser(ctx context.Context, id, userID string) (*models.ConversationSummary, error) {
	return s.Reader.GetConversationSummaryForUser(ctx, id, userID)
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	return s.Reader.ListConversations(ctx, userID)
}

// DeleteConversation removes an owned conversation with all its messages.
func (s *Service) DeleteConversation(ctx context.Context, id, userID string) error {
	owner, err := s.store.IsOwner(ctx, id, userID)
	if err != nil {
		return storeError("check ownership", err)
	}
	if !owner {
		return ErrNotFound
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return storeError("delete conversation", err)
	}
	s.cache.Invalidate(ctx, id)
	return nil
}

// RepairAll backfills parent links in every conversation listed by ids.
func (s *Service) RepairAll(ctx context.Context, ids []string) (int, error) {
	total := 0
	for _, id := range ids {
		n, err := s.Linker.RepairConversation(ctx, id)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
