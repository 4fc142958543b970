// Package copilot implements the asynchronous graph-generation sessions: a
// staged producer writing progress to a TTL'd redis KV, with SSE delivery to
// the caller.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session status values.
const (
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrSessionNotFound is returned when a session's keys have expired or never
// existed.
var ErrSessionNotFound = errors.New("copilot session not found")

// SessionStore persists session status and accumulated content in redis.
// Keys are TTL'd; terminal sessions disappear after the TTL.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionStore wraps a redis client. The TTL applies to every write.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{client: client, ttl: ttl}
}

// Ping verifies the KV is reachable. The copilot endpoints fail fast when it
// is not, degrading to unavailable rather than inconsistent.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session store unreachable: %w", err)
	}
	return nil
}

func statusKey(sessionID string) string { return "copilot:session:" + sessionID + ":status" }
func contentKey(sessionID string) string { return "copilot:session:" + sessionID + ":content" }

// SetStatus writes the session status and refreshes the TTL.
func (s *SessionStore) SetStatus(ctx context.Context, sessionID, status string) error {
	if err := s.client.Set(ctx, statusKey(sessionID), status, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session status: %w", err)
	}
	return nil
}

// AppendContent appends to the session's accumulated content and refreshes
// the TTL.
func (s *SessionStore) AppendContent(ctx context.Context, sessionID, chunk string) error {
	key := contentKey(sessionID)
	if err := s.client.Append(ctx, key, chunk).Err(); err != nil {
		return fmt.Errorf("failed to append session content: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh content ttl: %w", err)
	}
	return nil
}

// Get reads the session's status and accumulated content.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (status, content string, err error) {
	status, err = s.client.Get(ctx, statusKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrSessionNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read session status: %w", err)
	}

	content, err = s.client.Get(ctx, contentKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		content = ""
		err = nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read session content: %w", err)
	}
	return status, content, nil
}
