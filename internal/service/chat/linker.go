package chat

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"healthchat/internal/models"
	"healthchat/internal/storage"
)

// Linker keeps parent pointers consistent: every message but the first points
// at an earlier message of the same conversation.
type Linker struct {
	store  Store
	logger zerolog.Logger
}

func NewLinker(store Store, logger zerolog.Logger) *Linker {
	return &Linker{store: store, logger: logger}
}

// MostRecentMessage returns the last message of the thread, or nil when it is empty.
func (l *Linker) MostRecentMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	msg, err := l.store.LatestMessage(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load latest message", err)
	}
	return msg, nil
}

// VerifyParent decides the parent of a message about to be appended.
// An empty thread forces nil. A candidate that exists in the conversation is
// kept; otherwise the most recent message is used. Only store failures are errors.
func (l *Linker) VerifyParent(ctx context.Context, conversationID string, candidate *string) (*string, error) {
	latest, err := l.MostRecentMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if candidate != nil && *candidate != "" {
		parent, err := l.store.GetMessage(ctx, conversationID, *candidate)
		switch {
		case err == nil:
			return &parent.ID, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, storeError("load candidate parent", err)
		}
		l.logger.Debug().
			Str("conversation_id", conversationID).
			Str("candidate", *candidate).
			Msg("parent candidate not in conversation, using latest message")
	}
	return &latest.ID, nil
}

// RepairParent backfills a missing parent with the message's immediate
// predecessor. It reports whether anything changed; the first message and
// already linked messages are left alone.
func (l *Linker) RepairParent(ctx context.Context, conversationID, messageID string) (bool, error) {
	msg, err := l.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return false, storeError("load message", err)
	}
	if msg.ParentMessageID != nil {
		return false, nil
	}
	prev, err := l.store.PreviousMessage(ctx, msg)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load previous message", err)
	}
	if err := l.store.UpdateMessageParent(ctx, conversationID, messageID, &prev.ID); err != nil {
		return false, storeError("update parent", err)
	}
	return true, nil
}

// RepairConversation runs RepairParent over a whole thread and returns how many
// messages were relinked.
func (l *Linker) RepairConversation(ctx context.Context, conversationID string) (int, error) {
	msgs, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, storeError("list messages", err)
	}
	repaired := 0
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ParentMessageID != nil {
			continue
		}
		prevID := msgs[i-1].ID
		if err := l.store.UpdateMessageParent(ctx, conversationID, msgs[i].ID, &prevID); err != nil {
			return repaired, storeError("update parent", err)
		}
		repaired++
	}
	if repaired > 0 {
		l.logger.Info().Str("conversation_id", conversationID).Int("repaired", repaired).Msg("backfilled parent links")
	}
	return repaired, nil
}
