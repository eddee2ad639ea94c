package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unisonfm/unison/internal/domain"
)

const snapshotKeyPrefix = "lt:group:"

// SnapshotStore keeps the latest authoritative snapshot per group so any
// pod can serve or rehydrate a group it never held locally. TTL-bounded,
// not strongly durable.
type SnapshotStore interface {
	// Get returns nil, nil when no snapshot exists (absent or expired).
	Get(ctx context.Context, id domain.GroupID) (*domain.Snapshot, error)
	Set(ctx context.Context, s domain.Snapshot) error
	Delete(ctx context.Context, id domain.GroupID) error
}

type snapshotBackend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisSnapshots struct {
	client snapshotBackend
	ttl    time.Duration
}

func NewRedisSnapshots(client *redis.Client, ttl time.Duration) *RedisSnapshots {
	return &RedisSnapshots{client: client, ttl: ttl}
}

func (s *RedisSnapshots) Get(ctx context.Context, id domain.GroupID) (*domain.Snapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKeyPrefix+string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot get: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return &snap, nil
}

func (s *RedisSnapshots) Set(ctx context.Context, snap domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKeyPrefix+string(snap.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot set: %w", err)
	}
	return nil
}

func (s *RedisSnapshots) Delete(ctx context.Context, id domain.GroupID) error {
	if err := s.client.Del(ctx, snapshotKeyPrefix+string(id)).Err(); err != nil {
		return fmt.Errorf("snapshot delete: %w", err)
	}
	return nil
}
