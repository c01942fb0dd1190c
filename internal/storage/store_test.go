package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthchat/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db, DriverSQLite))
	return NewStore(db, DriverSQLite, nil)
}

func strPtr(s string) *string { return &s }

func TestStoreConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	conv, err := store.CreateConversation(ctx, "u1", "A42", json.RawMessage(`{"score":7}`))
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Nil(t, conv.Preview)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "A42", got.AssessmentID)
	assert.JSONEq(t, `{"score":7}`, string(got.AssessmentObject))
	assert.Nil(t, got.Preview)

	owner, err := store.IsOwner(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.True(t, owner)
	owner, err = store.IsOwner(ctx, conv.ID, "u2")
	require.NoError(t, err)
	assert.False(t, owner)
	owner, err = store.IsOwner(ctx, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, owner)

	require.NoError(t, store.UpdateConversationPreview(ctx, conv.ID, ""))
	got, err = store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Preview)
	assert.Equal(t, "", *got.Preview)
	assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))

	require.NoError(t, store.InsertMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "hi"}))
	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := store.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, store.DeleteConversation(ctx, conv.ID), ErrNotFound)
}

func TestStoreMessagesKeepThreadOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.CreateConversation(ctx, "u1", "A1", nil)
	require.NoError(t, err)

	var ids []string
	var parent *string
	for i, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant} {
		msg := &models.Message{ConversationID: conv.ID, Role: role, Content: string(rune('a' + i)), ParentMessageID: parent}
		require.NoError(t, store.InsertMessage(ctx, msg))
		ids = append(ids, msg.ID)
		parent = strPtr(msg.ID)
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
		if i > 0 {
			assert.True(t, msgs[i-1].Before(m))
			require.NotNil(t, m.ParentMessageID)
			assert.Equal(t, ids[i-1], *m.ParentMessageID)
		}
	}
	assert.Nil(t, msgs[0].ParentMessageID)

	latest, err := store.LatestMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest.ID)

	lastUser, err := store.LatestMessageByRole(ctx, conv.ID, models.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, ids[2], lastUser.ID)

	prev, err := store.PreviousMessage(ctx, msgs[2])
	require.NoError(t, err)
	assert.Equal(t, ids[1], prev.ID)
	_, err = store.PreviousMessage(ctx, msgs[0])
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(msgs[3].CreatedAt))

	_, err = store.GetMessage(ctx, "other", ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEditAndDeleteAfter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	conv, err := store.CreateConversation(ctx, "u1", "A1", nil)
	require.NoError(t, err)

	var msgs []*models.Message
	for _, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant} {
		msg := &models.Message{ConversationID: conv.ID, Role: role, Content: "x"}
		require.NoError(t, store.InsertMessage(ctx, msg))
		msgs = append(msgs, msg)
	}

	removed, err := store.DeleteMessagesAfter(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{msgs[1].ID, msgs[2].ID, msgs[3].ID}, removed)

	edited, err := store.UpdateMessageContent(ctx, conv.ID, msgs[0].ID, "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", edited.Content)
	assert.Equal(t, models.RoleUser, edited.Role)
	assert.True(t, edited.CreatedAt.Equal(msgs[0].CreatedAt))
	require.NotNil(t, edited.EditedAt)

	removed, err = store.DeleteMessagesAfter(ctx, msgs[0])
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = store.UpdateMessageContent(ctx, conv.ID, msgs[1].ID, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAssessments(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a := &models.Assessment{UserID: "u1", Payload: json.RawMessage(`{"pattern":"regular"}`)}
	require.NoError(t, store.CreateAssessment(ctx, a))
	got, err := store.GetAssessment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.JSONEq(t, `{"pattern":"regular"}`, string(got.Payload))

	_, err = store.GetAssessment(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return fixed })
	a, b, c := clock.Now(), clock.Now(), clock.Now()
	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.Equal(t, time.Microsecond, b.Sub(a))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", Rebind(DriverPostgres, "SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT ?", Rebind(DriverSQLite, "SELECT ?"))
}
