package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockBackend struct {
	setNXResult bool
	setNXErr    error
	evalErr     error

	setNXCalls int
	evalKeys   []string
	evalArgs   []interface{}
}

func (f *fakeLockBackend) SetNX(_ context.Context, _ string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	f.setNXCalls++
	return redis.NewBoolResult(f.setNXResult, f.setNXErr)
}

func (f *fakeLockBackend) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.evalKeys = keys
	f.evalArgs = args
	return redis.NewCmdResult(int64(1), f.evalErr)
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	backend := &fakeLockBackend{setNXResult: true}
	locker := &RedisLocker{client: backend, ttl: 5 * time.Second}

	release, err := locker.Acquire(context.Background(), "g1")
	require.NoError(t, err)
	require.NotNil(t, release)

	release()
	require.Equal(t, []string{"lt:lock:g1"}, backend.evalKeys)
	require.Len(t, backend.evalArgs, 1)
	token, ok := backend.evalArgs[0].(string)
	require.True(t, ok)
	assert.NotEmpty(t, token, "release must present the holder's own token")
}

func TestRedisLockerConflict(t *testing.T) {
	backend := &fakeLockBackend{setNXResult: false}
	locker := &RedisLocker{client: backend, ttl: 5 * time.Second}

	_, err := locker.Acquire(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Nil(t, backend.evalKeys, "a failed acquire must not touch the key")
}

func TestRedisLockerBackendDown(t *testing.T) {
	backend := &fakeLockBackend{setNXErr: errors.New("connection refused")}
	locker := &RedisLocker{client: backend, ttl: 5 * time.Second}

	_, err := locker.Acquire(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrLockUnavailable, "backend failure is unavailable, not conflict")
}

func TestRedisLockerReleaseFailureIsSwallowed(t *testing.T) {
	backend := &fakeLockBackend{setNXResult: true, evalErr: errors.New("connection reset")}
	locker := &RedisLocker{client: backend, ttl: 5 * time.Second}

	release, err := locker.Acquire(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotPanics(t, release, "release failure is logged and left to TTL expiry")
}

func TestNopLocker(t *testing.T) {
	release, err := NopLocker{}.Acquire(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotPanics(t, release)
}
