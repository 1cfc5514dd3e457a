package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConversationInUse means another session already streams the conversation.
var ErrConversationInUse = errors.New("conversation already has an open session")

// Locker guarantees at most one session per conversation across gateway
// instances.
type Locker interface {
	Acquire(ctx context.Context, conversationID, sessionID string) error
	// Refresh extends a held lock. Sessions call it on every keepalive.
	Refresh(ctx context.Context, conversationID, sessionID string) error
	Release(ctx context.Context, conversationID, sessionID string) error
}

// MemoryLocker is a Locker for a single gateway instance.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (l *MemoryLocker) Acquire(_ context.Context, conversationID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.held[conversationID]; ok && owner != sessionID {
		return ErrConversationInUse
	}
	l.held[conversationID] = sessionID
	return nil
}

func (l *MemoryLocker) Refresh(context.Context, string, string) error { return nil }

func (l *MemoryLocker) Release(_ context.Context, conversationID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[conversationID] == sessionID {
		delete(l.held, conversationID)
	}
	return nil
}

const (
	lockKeyPrefix  = "inspire:session:"
	DefaultLockTTL = 2 * time.Minute
)

// Only the owner may extend or drop a lock.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds locks as expiring keys so a crashed instance frees its
// conversations after ttl.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, conversationID, sessionID string) error {
	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+conversationID, sessionID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	if !ok {
		return ErrConversationInUse
	}
	return nil
}

func (l *RedisLocker) Refresh(ctx context.Context, conversationID, sessionID string) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{lockKeyPrefix + conversationID}, sessionID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh conversation lock: %w", err)
	}
	if n == 0 {
		return ErrConversationInUse
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, conversationID, sessionID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKeyPrefix + conversationID}, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to release conversation lock: %w", err)
	}
	return nil
}
