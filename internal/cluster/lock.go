// Package cluster holds everything that makes a multi-pod deployment
// behave as one logical service: the per-group mutation lock, the snapshot
// store, and the pub/sub fan-out. All three share one redis backend.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

var (
	// ErrLockHeld: another mutation for the group is in flight somewhere
	// in the cluster. Transient, the client may retry immediately.
	ErrLockHeld = errors.New("group lock already held")
	// ErrLockUnavailable: the lock backend itself failed. Also retryable,
	// but a sign of degraded infrastructure.
	ErrLockUnavailable = errors.New("lock backend unavailable")
)

const lockKeyPrefix = "lt:lock:"

// releaseLua deletes the lock only when the stored token still matches the
// holder's. Check and delete must be one server-side step, otherwise a
// slow holder could release a lock already granted to someone else.
const releaseLua = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Locker serializes mutations per group across all pods. Acquire returns a
// release func that the caller must invoke when the mutation is done.
type Locker interface {
	Acquire(ctx context.Context, id domain.GroupID) (release func(), err error)
}

type lockBackend interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type RedisLocker struct {
	client lockBackend
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, id domain.GroupID) (func(), error) {
	key := lockKeyPrefix + string(id)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(ctx, releaseLua, []string{key}, token).Err(); err != nil {
			// TTL will reap the key; a failed release is not corruption.
			log.Warn().Err(err).Str("module", "cluster").Str("group_id", string(id)).Msg("lock release failed, leaving to TTL")
		}
	}
	return release, nil
}

// NopLocker is the disabled-lock mode: mutations apply directly and only
// pod-local ordering serializes them. Single-pod deployments only.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, domain.GroupID) (func(), error) {
	return func() {}, nil
}
