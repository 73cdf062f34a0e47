package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"persona-rag/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultMaxTurns = 20

// SessionHistory keeps the last turns of each conversation.
type SessionHistory interface {
	Append(ctx context.Context, sessionID string, turns ...models.Turn) error
	// Recent returns at most n turns, oldest first. n <= 0 returns everything retained.
	Recent(ctx context.Context, sessionID string, n int) ([]models.Turn, error)
	// Clear forgets a session; transports call it when the client goes away.
	Clear(ctx context.Context, sessionID string) error
}

// MemorySessionHistory is a per-session ring buffer guarded by one mutex.
type MemorySessionHistory struct {
	mu       sync.Mutex
	maxTurns int
	sessions map[string]*turnRing
}

type turnRing struct {
	buf   []models.Turn
	start int
	size  int
}

func (r *turnRing) push(t models.Turn) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *turnRing) last(n int) []models.Turn {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]models.Turn, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.size-n+i)%len(r.buf)]
	}
	return out
}

func NewMemorySessionHistory(maxTurns int) *MemorySessionHistory {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &MemorySessionHistory{
		maxTurns: maxTurns,
		sessions: make(map[string]*turnRing),
	}
}

func (h *MemorySessionHistory) Append(ctx context.Context, sessionID string, turns ...models.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.sessions[sessionID]
	if !ok {
		ring = &turnRing{buf: make([]models.Turn, h.maxTurns)}
		h.sessions[sessionID] = ring
	}
	for _, t := range turns {
		ring.push(t)
	}
	return nil
}

func (h *MemorySessionHistory) Recent(ctx context.Context, sessionID string, n int) ([]models.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return ring.last(n), nil
}

func (h *MemorySessionHistory) Clear(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
	return nil
}

// RedisSessionHistory stores each session as a capped redis list so several processes share history.
type RedisSessionHistory struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
	logger   *zap.Logger
}

func NewRedisSessionHistory(client *redis.Client, maxTurns int, ttl time.Duration, logger *zap.Logger) *RedisSessionHistory {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &RedisSessionHistory{
		client:   client,
		maxTurns: maxTurns,
		ttl:      ttl,
		logger:   logger,
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

func (h *RedisSessionHistory) Append(ctx context.Context, sessionID string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		values = append(values, data)
	}

	key := sessionKey(sessionID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-h.maxTurns), -1)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append session history: %w", err)
	}
	return nil
}

func (h *RedisSessionHistory) Recent(ctx context.Context, sessionID string, n int) ([]models.Turn, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}

	result, err := h.client.LRange(ctx, sessionKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}

	turns := make([]models.Turn, 0, len(result))
	for _, item := range result {
		var t models.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			h.logger.Warn("Skipping unreadable session turn", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (h *RedisSessionHistory) Clear(ctx context.Context, sessionID string) error {
	if err := h.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session history: %w", err)
	}
	return nil
}
