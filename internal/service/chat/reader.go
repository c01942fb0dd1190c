package chat

import (
	"context"

	"healthchat/internal/metrics"
	"healthchat/internal/models"
)

// ReadOptions controls message loading for GetConversation.
// Limit nil means no limit.
type ReadOptions struct {
	IncludeMessages bool
	Limit           *int
	Offset          int
}

// Reader serves read-only views of conversations.
type Reader struct {
	store   Store
	cache   SummaryCache
	metrics *metrics.Metrics
}

func NewReader(store Store, cache SummaryCache, m *metrics.Metrics) *Reader {
	if cache == nil {
		cache = noopCache{}
	}
	return &Reader{store: store, cache: cache, metrics: m}
}

// GetConversation loads a conversation and, on request, a page of its messages
// in thread order. The page is sliced from the full ordered thread.
func (r *Reader) GetConversation(ctx context.Context, id string, opts ReadOptions) (*models.ConversationView, error) {
	if opts.Offset < 0 || (opts.Limit != nil && *opts.Limit < 0) {
		return nil, validationError("limit and offset must not be negative")
	}
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	view := &models.ConversationView{Conversation: *conv}

	if !opts.IncludeMessages {
		count, err := r.store.CountMessages(ctx, id)
		if err != nil {
			return nil, storeError("count messages", err)
		}
		view.MessageCount = count
		view.HasMessages = count > 0
		return view, nil
	}

	msgs, err := r.store.ListMessages(ctx, id)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	total := len(msgs)
	view.MessageCount = total
	view.HasMessages = total > 0
	view.Messages, view.Pagination = paginate(msgs, opts.Offset, opts.Limit)
	return view, nil
}

func paginate(msgs []*models.Message, offset int, limit *int) ([]*models.Message, *models.Pagination) {
	total := len(msgs)
	page := &models.Pagination{Total: total, Offset: offset, Limit: limit}
	start := min(offset, total)
	end := total
	if limit != nil {
		// clamp before adding; offset+limit may overflow
		end = start + min(*limit, total-start)
		page.HasMore = end < total
	}
	out := make([]*models.Message, 0, end-start)
	return append(out, msgs[start:end]...), page
}

// GetConversationForUser is GetConversation restricted to the owner. A
// conversation owned by someone else is reported exactly like a missing one.
func (r *Reader) GetConversationForUser(ctx context.Context, id, userID string, opts ReadOptions) (*models.ConversationView, error) {
	view, err := r.GetConversation(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if view.UserID != userID {
		return nil, ErrNotFound
	}
	return view, nil
}

// GetConversationSummary returns counts and preview without message bodies.
func (r *Reader) GetConversationSummary(ctx context.Context, id string) (*models.ConversationSummary, error) {
	summary, generation, ok := r.cache.Load(ctx, id)
	if ok {
		r.metrics.RecordCache("hit")
		return summary, nil
	}
	r.metrics.RecordCache("miss")
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	count, err := r.store.CountMessages(ctx, id)
	if err != nil {
		return nil, storeError("count messages", err)
	}
	summary = conv.Summary(count)
	r.cache.Store(ctx, summary, generation)
	return summary, nil
}

// GetConversationSummaryForUser is GetConversationSummary restricted to the owner.
func (r *Reader) GetConversationSummaryForUser(ctx context.Context, id, userID string) (*models.ConversationSummary, error) {
	summary, err := r.GetConversationSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary.UserID != userID {
		return nil, ErrNotFound
	}
	return summary, nil
}

// ListConversations returns the user's conversation summaries, most recently updated first.
func (r *Reader) ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	list, err := r.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	if list == nil {
		list = []*models.ConversationSummary{}
	}
	return list, nil
}
