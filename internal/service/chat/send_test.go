package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthchat/internal/models"
	"healthchat/internal/service/ai"
)

func TestSendStartsConversationFromAssessment(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A42", "u1")
	svc := newTestService(store, nil)

	res, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "  I have cramps  ", AssessmentID: "A42"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)

	assert.Equal(t, models.RoleUser, res.UserMessage.Role)
	assert.Equal(t, "I have cramps", res.UserMessage.Content)
	assert.Nil(t, res.UserMessage.ParentMessageID)

	assert.Equal(t, models.RoleAssistant, res.AssistantMessage.Role)
	require.NotNil(t, res.AssistantMessage.ParentMessageID)
	assert.Equal(t, res.UserMessage.ID, *res.AssistantMessage.ParentMessageID)
	assert.Contains(t, ai.Templates(ai.CategoryPain), res.AssistantMessage.Content)

	conv, err := store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "A42", conv.AssessmentID)
	assert.JSONEq(t, `{"pattern":"irregular","cycleLength":38}`, string(conv.AssessmentObject))
	require.NotNil(t, conv.Preview)
	assert.Equal(t, TruncatePreview(res.AssistantMessage.Content), *conv.Preview)

	thread, err := store.ListMessages(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, res.UserMessage.ID, thread[0].ID)
	assert.Equal(t, res.AssistantMessage.ID, thread[1].ID)
}

func TestSendChainsParentsAcrossTurns(t *testing.T) {
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	svc := newTestService(store, nil)

	convID, thread := startConversation(t, svc, "u1", "A1", "hello", "my period is late", "and heavy")
	stored, err := store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for i, m := range stored {
		assert.Equal(t, thread[i].ID, m.ID)
		if i == 0 {
			assert.Nil(t, m.ParentMessageID)
			continue
		}
		require.NotNil(t, m.ParentMessageID)
		assert.Equal(t, stored[i-1].ID, *m.ParentMessageID)
		assert.True(t, stored[i-1].CreatedAt.Before(m.CreatedAt))
	}
}

func TestSendRejectsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	seedAssessment(t, store, "B1", "u2")
	svc := newTestService(store, nil)

	_, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "   ", AssessmentID: "A1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", AssessmentID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", AssessmentID: "B1"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, countRows(t, store, "conversations"))
	assert.Zero(t, countRows(t, store, "chat_messages"))
}

func TestSendToForeignConversationIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedAssessment(t, store, "A1", "u1")
	svc := newTestService(store, nil)
	convID, _ := startConversation(t, svc, "u1", "A1", "hi")

	_, err := svc.SendMessage(ctx, SendRequest{UserID: "intruder", Text: "hello", ConversationID: convID})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", ConversationID: "no-such-conversation"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, countRows(t, store, "chat_messages"))
}

func TestSendRetryReusesUnansweredUserMessage(t *testing.T) {
	ctx := context.Background()
	base := openTestStore(t)
	seedAssessment(t, base, "A1", "u1")
	store := &faultyStore{Store: base, failInsertRole: models.RoleAssistant, failInsertTimes: 1}
	svc := newTestService(store, nil)

	res, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", AssessmentID: "A1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "generate_response", flowErr.Failed)
	assert.Equal(t, []string{"create_conversation", "insert_user_message"}, flowErr.Completed)
	require.NotNil(t, res)
	require.NotEmpty(t, res.ConversationID)
	require.NotNil(t, res.UserMessage)
	assert.Nil(t, res.AssistantMessage)
	assert.Equal(t, 1, countRows(t, base, "chat_messages"))

	retry, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", ConversationID: res.ConversationID})
	require.NoError(t, err)
	assert.Equal(t, res.UserMessage.ID, retry.UserMessage.ID)
	assert.Equal(t, 2, countRows(t, base, "chat_messages"))
	require.NotNil(t, retry.AssistantMessage.ParentMessageID)
	assert.Equal(t, res.UserMessage.ID, *retry.AssistantMessage.ParentMessageID)
}

func TestSendRollsBackConversationWhenFirstMessageFails(t *testing.T) {
	ctx := context.Background()
	base := openTestStore(t)
	seedAssessment(t, base, "A1", "u1")
	store := &faultyStore{Store: base, failInsertRole: models.RoleUser, failInsertTimes: 1}
	svc := newTestService(store, nil)

	res, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", AssessmentID: "A1"})
	require.Error(t, err)
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "insert_user_message", flowErr.Failed)
	assert.Empty(t, res.ConversationID)
	assert.Zero(t, countRows(t, base, "conversations"))
}

func TestPreviewStaysNullUntilAssistantPersisted(t *testing.T) {
	ctx := context.Background()
	base := openTestStore(t)
	seedAssessment(t, base, "A1", "u1")
	store := &faultyStore{Store: base, failInsertRole: models.RoleAssistant, failInsertTimes: 1}
	svc := newTestService(store, nil)

	res, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", AssessmentID: "A1"})
	require.Error(t, err)
	require.NotNil(t, res.UserMessage)

	conv, err := base.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Nil(t, conv.Preview)
	assert.Equal(t, 1, countRows(t, base, "chat_messages"))

	retry, err := svc.SendMessage(ctx, SendRequest{UserID: "u1", Text: "hello", ConversationID: res.ConversationID})
	require.NoError(t, err)
	conv, err = base.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Preview)
	assert.Equal(t, TruncatePreview(retry.AssistantMessage.Content), *conv.Preview)

	// dropping the only assistant reply keeps the preview it produced
	edit, err := svc.EditWithRegeneration(ctx, EditRequest{
		ConversationID: res.ConversationID,
		MessageID:      res.UserMessage.ID,
		UserID:         "u1",
		Content:        "hello again",
		Regenerate:     false,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{retry.AssistantMessage.ID}, edit.RemovedIDs)
	conv, err = base.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.Preview)
	assert.Equal(t, TruncatePreview(retry.AssistantMessage.Content), *conv.Preview)
}
