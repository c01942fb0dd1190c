package chat

import (
	"context"
)

// PreviewMaxRunes is the longest preview stored verbatim.
const PreviewMaxRunes = 50

// TruncatePreview cuts content longer than PreviewMaxRunes characters to its
// first PreviewMaxRunes characters followed by "...".
func TruncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewMaxRunes {
		return content
	}
	return string(runes[:PreviewMaxRunes]) + "..."
}

// PreviewMaintainer keeps conversation.preview in step with the latest assistant reply.
type PreviewMaintainer struct {
	store Store
}

func NewPreviewMaintainer(store Store) *PreviewMaintainer {
	return &PreviewMaintainer{store: store}
}

// UpdatePreview stores the truncated assistant content and bumps updated_at.
// Empty content stores an empty preview, never null.
func (p *PreviewMaintainer) UpdatePreview(ctx context.Context, conversationID, assistantContent string) error {
	if err := p.store.UpdateConversationPreview(ctx, conversationID, TruncatePreview(assistantContent)); err != nil {
		return storeError("update preview", err)
	}
	return nil
}
