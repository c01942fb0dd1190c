package chat

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"healthchat/internal/models"
	"healthchat/internal/service/ai"
	"healthchat/internal/storage"
)

var errInjected = errors.New("injected failure")

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, storage.DriverSQLite))
	return storage.NewStore(db, storage.DriverSQLite, nil)
}

// faultyStore injects failures into selected store calls.
type faultyStore struct {
	*storage.Store
	mu              sync.Mutex
	failInsertRole  models.Role
	failInsertTimes int
	failEdit        bool
}

func (f *faultyStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	if f.failInsertTimes > 0 && msg.Role == f.failInsertRole {
		f.failInsertTimes--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.Store.InsertMessage(ctx, msg)
}

func (f *faultyStore) UpdateMessageContent(ctx context.Context, conversationID, messageID, content string) (*models.Message, error) {
	if f.failEdit {
		return nil, errInjected
	}
	return f.Store.UpdateMessageContent(ctx, conversationID, messageID, content)
}

type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	block bool
	calls [][]*schema.Message
}

func (p *stubProvider) Generate(ctx context.Context, messages []*schema.Message) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, messages)
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *stubProvider) lastCall() []*schema.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

func newTestService(store Store, provider ai.Provider) *Service {
	logger := zerolog.Nop()
	mode := ai.ModeMock
	if provider != nil {
		mode = ai.ModeAI
	}
	return NewService(Options{
		Store:    store,
		Mode:     mode,
		Provider: provider,
		Mock:     ai.NewMockResponder(rand.NewSource(7)),
		Timeout:  200 * time.Millisecond,
		Logger:   &logger,
	})
}

func seedAssessment(t *testing.T, store *storage.Store, id, userID string) {
	t.Helper()
	require.NoError(t, store.CreateAssessment(context.Background(), &models.Assessment{
		ID:      id,
		UserID:  userID,
		Payload: json.RawMessage(`{"pattern":"irregular","cycleLength":38}`),
	}))
}

func countRows(t *testing.T, store *storage.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

// startConversation sends alternating turns so the thread is [u1,a1,u2,a2,...].
func startConversation(t *testing.T, svc *Service, userID, assessmentID string, texts ...string) (string, []*models.Message) {
	t.Helper()
	ctx := context.Background()
	var (
		convID string
		thread []*models.Message
	)
	for _, text := range texts {
		res, err := svc.SendMessage(ctx, SendRequest{UserID: userID, Text: text, ConversationID: convID, AssessmentID: assessmentID})
		require.NoError(t, err)
		convID = res.ConversationID
		thread = append(thread, res.UserMessage, res.AssistantMessage)
	}
	return convID, thread
}
