// Package redis mirrors the active fork sessions of this instance into
// Redis so that other processes can see which call legs are being forked.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

// Key layout
const (
	SessionKeyPrefix = "fork_session:"
	ActiveSetKey     = "active_fork_sessions"
)

const defaultTTL = 2 * time.Hour

// SessionMirror writes one hash per active session plus a set of their ids
type SessionMirror struct {
	client     *redis.Client
	ttl        time.Duration
	instanceID string
	logger     *zap.Logger
}

var _ repositories.SessionMirror = (*SessionMirror)(nil)

// NewClient connects to addr, which may be host:port or a redis:// URL
func NewClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr, DB: 0}
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

// NewSessionMirror creates a mirror. Session hashes expire after ttl so a
// crashed instance does not leave them behind forever.
func NewSessionMirror(client *redis.Client, ttl time.Duration, instanceID string, logger *zap.Logger) *SessionMirror {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SessionMirror{client: client, ttl: ttl, instanceID: instanceID, logger: logger}
}

// Put implements SessionMirror
func (m *SessionMirror) Put(ctx context.Context, record *entities.SessionRecord) error {
	key := SessionKeyPrefix + record.ID

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"call_id":     record.Metadata.CallID,
		"direction":   string(record.Metadata.Direction),
		"mode":        record.Mode,
		"remote":      record.RemoteEndpoint,
		"state":       record.State,
		"opened_at":   record.OpenedAt.Format(time.RFC3339),
		"instance_id": m.instanceID,
	})
	pipe.Expire(ctx, key, m.ttl)
	pipe.SAdd(ctx, ActiveSetKey, record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror session %s: %w", record.ID, err)
	}
	return nil
}

// Remove implements SessionMirror
func (m *SessionMirror) Remove(ctx context.Context, id string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, SessionKeyPrefix+id)
	pipe.SRem(ctx, ActiveSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove mirrored session %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying client
func (m *SessionMirror) Close() error {
	if err := m.client.Close(); err != nil {
		m.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	return nil
}
