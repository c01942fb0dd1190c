// Package convlock serializes writers on the same conversation.
package convlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"healthchat/internal/redis"
)

// ErrNotAcquired is returned when the lock could not be taken within the wait
// window or before ctx ended.
var ErrNotAcquired = errors.New("conversation is busy")

// DefaultWait bounds how long Lock waits for a held conversation.
const DefaultWait = 5 * time.Second

func waitContext(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		wait = DefaultWait
	}
	return context.WithTimeout(ctx, wait)
}

// Locker hands out exclusive access to one conversation at a time.
type Locker interface {
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once unused.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns a LocalLocker giving up after wait (DefaultWait when <= 0).
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot), wait: wait}
}

func (l *LocalLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	ctx, cancel := waitContext(ctx, l.wait)
	defer cancel()

	l.mu.Lock()
	s, ok := l.slots[conversationID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[conversationID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(conversationID, s)
		return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(conversationID, s)
		})
	}, nil
}

func (l *LocalLocker) release(conversationID string, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, conversationID)
	}
	l.mu.Unlock()
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

const (
	lockKeyPrefix     = "chat:lock:"
	DefaultLeaseTTL   = 2 * time.Minute
	defaultRetryDelay = 50 * time.Millisecond
)

// unlockScript deletes the key only while it still holds our token.
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker takes a SET NX PX lease so writers on several nodes exclude each
// other. A lease outliving its holder expires after ttl.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  defaultRetryDelay,
		logger: logger.With().Str("component", "convlock").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	key := lockKeyPrefix + conversationID
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ctx, cancel := waitContext(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquire conversation lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := l.client.Eval(releaseCtx, unlockScript, []string{key}, token); err != nil {
				l.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("release conversation lock failed")
			}
		})
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
