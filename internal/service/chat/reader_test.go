package chat

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthchat/internal/models"
	"healthchat/internal/service/ai"
)

func intPtr(n int) *int { return &n }

func TestGetConversationPagination(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	svc := newTestService(store, nil)
	convID, thread := startConversation(t, svc, "u1", "A1", "one", "two")

	view, err := svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Limit: intPtr(2), Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, view.MessageCount)
	assert.True(t, view.HasMessages)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, thread[1].ID, view.Messages[0].ID)
	assert.Equal(t, thread[2].ID, view.Messages[1].ID)
	require.NotNil(t, view.Pagination)
	assert.Equal(t, 4, view.Pagination.Total)
	assert.True(t, view.Pagination.HasMore)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Limit: intPtr(2), Offset: 2})
	require.NoError(t, err)
	assert.False(t, view.Pagination.HasMore)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true})
	require.NoError(t, err)
	require.Len(t, view.Messages, 4)
	for i := range thread {
		assert.Equal(t, thread[i].ID, view.Messages[i].ID)
	}
	assert.False(t, view.Pagination.HasMore)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, view.Messages)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{})
	require.NoError(t, err)
	assert.Nil(t, view.Messages)
	assert.Nil(t, view.Pagination)
	assert.Equal(t, 4, view.MessageCount)

	_, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{Offset: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetConversationPaginationHugeLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	svc := newTestService(store, nil)
	convID, thread := startConversation(t, svc, "u1", "A1", "one", "two")

	view, err := svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Limit: intPtr(math.MaxInt), Offset: 1})
	require.NoError(t, err)
	require.Len(t, view.Messages, 3)
	assert.Equal(t, thread[1].ID, view.Messages[0].ID)
	assert.False(t, view.Pagination.HasMore)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Limit: intPtr(math.MaxInt - 1), Offset: 3})
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	assert.False(t, view.Pagination.HasMore)

	view, err = svc.GetConversationForUser(ctx, convID, "u1", ReadOptions{IncludeMessages: true, Limit: intPtr(math.MaxInt), Offset: math.MaxInt})
	require.NoError(t, err)
	assert.Empty(t, view.Messages)
	assert.False(t, view.Pagination.HasMore)
}

func TestGetConversationForOtherUserLooksMissing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	svc := newTestService(store, nil)
	convID, _ := startConversation(t, svc, "u1", "A1", "hi")

	_, errForeign := svc.GetConversationForUser(ctx, convID, "u2", ReadOptions{})
	_, errMissing := svc.GetConversationForUser(ctx, "missing", "u2", ReadOptions{})
	assert.ErrorIs(t, errForeign, ErrNotFound)
	assert.ErrorIs(t, errMissing, ErrNotFound)

	_, err := svc.GetConversationSummaryForUser(ctx, convID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

type memoryCache struct {
	mu          sync.Mutex
	entries     map[string]*models.ConversationSummary
	generations map[string]int64
	loads       int
	afterMiss   func(id string)
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries:     map[string]*models.ConversationSummary{},
		generations: map[string]int64{},
	}
}

func (c *memoryCache) Load(_ context.Context, id string) (*models.ConversationSummary, int64, bool) {
	c.mu.Lock()
	c.loads++
	s, ok := c.entries[id]
	gen := c.generations[id]
	hook := c.afterMiss
	c.mu.Unlock()
	if !ok && hook != nil {
		hook(id)
	}
	return s, gen, ok
}

func (c *memoryCache) Store(_ context.Context, s *models.ConversationSummary, gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[s.ID] != gen {
		return
	}
	c.entries[s.ID] = s
}

func (c *memoryCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.generations[id]++
}

func TestSummaryCacheInvalidatedByWrites(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	cache := newMemoryCache()
	logger := zerolog.Nop()
	svc := NewService(Options{Store: store, Mode: ai.ModeMock, Cache: cache, Logger: &logger})

	convID, _ := startConversation(t, svc, "u1", "A1", "hi")
	summary, err := svc.GetConversationSummaryForUser(ctx, convID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MessageCount)
	assert.True(t, summary.HasMessages)
	require.NotNil(t, summary.Preview)
	assert.Contains(t, cache.entries, convID)

	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "more", ConversationID: convID})
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, convID)

	summary, err = svc.GetConversationSummaryForUser(ctx, convID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.MessageCount)

	require.NoError(t, svc.DeleteConversation(ctx, convID, "u1"))
	assert.NotContains(t, cache.entries, convID)
}

func TestSummaryNotCachedWhenWriteRacesRead(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	cache := newMemoryCache()
	logger := zerolog.Nop()
	svc := NewService(Options{Store: store, Mode: ai.ModeMock, Cache: cache, Logger: &logger})
	convID, _ := startConversation(t, svc, "u1", "A1", "hi")

	raced := false
	cache.afterMiss = func(id string) {
		if raced {
			return
		}
		raced = true
		_, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "more", ConversationID: id})
		require.NoError(t, err)
	}

	_, err := svc.GetConversationSummaryForUser(ctx, convID, "u1")
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, convID)

	summary, err := svc.GetConversationSummaryForUser(ctx, convID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.MessageCount)
	assert.Contains(t, cache.entries, convID)
}

func TestListAndDeleteConversations(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	seedAssessment(t, store, "A2", "u1")
	svc := newTestService(store, nil)

	older, _ := startConversation(t, svc, "u1", "A1", "first")
	newer, _ := startConversation(t, svc, "u1", "A2", "second")

	list, err := svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].ID)
	assert.Equal(t, older, list[1].ID)
	assert.Equal(t, 2, list[0].MessageCount)

	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "bump", ConversationID: older})
	require.NoError(t, err)
	list, err = svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, older, list[0].ID)

	empty, err := svc.ListConversations(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	assert.ErrorIs(t, svc.DeleteConversation(ctx, older, "u2"), ErrNotFound)
	require.NoError(t, svc.DeleteConversation(ctx, older, "u1"))
	_, err = svc.GetConversationForUser(ctx, older, "u1", ReadOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepairAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	svc := newTestService(store, nil)
	conv, err := store.CreateConversation(ctx, "u1", "A1", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "x"}))
	}
	ids, err := store.ListConversationIDs(ctx)
	require.NoError(t, err)
	n, err := svc.RepairAll(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
