// Package cache keeps conversation summaries in redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"healthchat/internal/models"
	"healthchat/internal/redis"
)

const (
	summaryKeyPrefix    = "chat:summary:"
	generationKeyPrefix = "chat:summary:gen:"
	DefaultSummaryTTL   = 10 * time.Minute

	// generationTTL outlives any summary so a reader between Load and Store
	// cannot see a recycled generation.
	generationTTL = 24 * time.Hour
)

const loadScript = `local s = redis.call("GET", KEYS[1]) or ""
local g = redis.call("GET", KEYS[2]) or "0"
return {s, g}`

const storeScript = `local g = redis.call("GET", KEYS[2]) or "0"
if g ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1`

const invalidateScript = `redis.call("DEL", KEYS[1])
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return 1`

// SummaryCache is a read-through cache for conversation summaries. Redis
// errors are logged and treated as misses. Each Invalidate bumps a per
// conversation generation; Store only writes while the generation seen by
// the preceding Load is current.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSummaryCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &SummaryCache{client: client, ttl: ttl, logger: logger.With().Str("component", "summary_cache").Logger()}
}

func keys(conversationID string) []string {
	return []string{summaryKeyPrefix + conversationID, generationKeyPrefix + conversationID}
}

func (c *SummaryCache) Load(ctx context.Context, conversationID string) (*models.ConversationSummary, int64, bool) {
	if c == nil || c.client == nil || conversationID == "" {
		return nil, 0, false
	}
	res, err := c.client.Eval(ctx, loadScript, keys(conversationID))
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("load summary failed")
		return nil, 0, false
	}
	raw, generation, err := parseLoadResult(res)
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("decode summary failed")
		return nil, 0, false
	}
	if raw == "" {
		return nil, generation, false
	}
	var summary models.ConversationSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("decode summary failed")
		return nil, generation, false
	}
	return &summary, generation, true
}

func parseLoadResult(res any) (string, int64, error) {
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return "", 0, fmt.Errorf("unexpected load reply %T", res)
	}
	raw, _ := parts[0].(string)
	genText, _ := parts[1].(string)
	generation, err := strconv.ParseInt(genText, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("parse generation: %w", err)
	}
	return raw, generation, nil
}

func (c *SummaryCache) Store(ctx context.Context, summary *models.ConversationSummary, generation int64) {
	if c == nil || c.client == nil || summary == nil || summary.ID == "" {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		c.logger.Warn().Err(err).Msg("encode summary failed")
		return
	}
	stored, err := c.client.Eval(ctx, storeScript, keys(summary.ID), data, generation, c.ttl.Milliseconds())
	if err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", summary.ID).Msg("store summary failed")
		return
	}
	if n, _ := stored.(int64); n == 0 {
		c.logger.Debug().Str("conversation_id", summary.ID).Int64("generation", generation).Msg("summary changed while loading, not cached")
	}
}

func (c *SummaryCache) Invalidate(ctx context.Context, conversationID string) {
	if c == nil || c.client == nil || conversationID == "" {
		return
	}
	if _, err := c.client.Eval(ctx, invalidateScript, keys(conversationID), generationTTL.Milliseconds()); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("invalidate summary failed")
	}
}
