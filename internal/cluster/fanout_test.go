package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisonfm/unison/internal/domain"
)

type fakeFanoutBackend struct {
	publishErr error
	published  []string
}

func (f *fakeFanoutBackend) Subscribe(_ context.Context, _ ...string) *redis.PubSub {
	return nil
}

func (f *fakeFanoutBackend) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	f.published = append(f.published, channel)
	return redis.NewIntResult(1, f.publishErr)
}

func TestFanoutDispatchSkipsOwnOrigin(t *testing.T) {
	var snaps []domain.Snapshot
	var frames [][]byte
	f := &Fanout{
		podID:      "pod-a",
		onSnapshot: func(s domain.Snapshot) { snaps = append(snaps, s) },
		onFrame:    func(_ domain.GroupID, frame []byte) { frames = append(frames, frame) },
	}

	own, err := json.Marshal(snapshotEnvelope{Origin: "pod-a", Snapshot: domain.Snapshot{ID: "g1"}})
	require.NoError(t, err)
	f.dispatch(snapshotChannel, string(own))
	assert.Empty(t, snaps, "a pod must not consume its own snapshot")

	remote, err := json.Marshal(snapshotEnvelope{
		Origin:   "pod-b",
		Snapshot: domain.Snapshot{ID: "g1", Playback: domain.Playback{StateVersion: 4}},
	})
	require.NoError(t, err)
	f.dispatch(snapshotChannel, string(remote))
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(4), snaps[0].Playback.StateVersion)

	ownFrame, err := json.Marshal(frameEnvelope{Origin: "pod-a", GroupID: "g1", Frame: json.RawMessage(`{"type":"pong"}`)})
	require.NoError(t, err)
	f.dispatch(broadcastChannel, string(ownFrame))
	assert.Empty(t, frames, "a pod must not echo its own room frames")

	remoteFrame, err := json.Marshal(frameEnvelope{Origin: "pod-b", GroupID: "g1", Frame: json.RawMessage(`{"type":"pong"}`)})
	require.NoError(t, err)
	f.dispatch(broadcastChannel, string(remoteFrame))
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"pong"}`, string(frames[0]))

	f.dispatch(snapshotChannel, "not json")
	f.dispatch(broadcastChannel, "not json")
	assert.Len(t, snaps, 1, "garbage envelopes are dropped")
	assert.Len(t, frames, 1)
}

func TestFanoutPublishDegradationTransitions(t *testing.T) {
	backend := &fakeFanoutBackend{publishErr: errors.New("connection refused")}
	f := &Fanout{client: backend, podID: "pod-a"}
	ctx := context.Background()

	f.PublishSnapshot(ctx, domain.Snapshot{ID: "g1"})
	assert.True(t, f.degraded.Load(), "first failure flips the degraded flag")

	f.PublishFrame(ctx, "g1", []byte(`{}`))
	assert.True(t, f.degraded.Load(), "repeat failures keep it set, logging only on the transition")

	backend.publishErr = nil
	f.PublishSnapshot(ctx, domain.Snapshot{ID: "g1"})
	assert.False(t, f.degraded.Load(), "a successful publish clears it")

	assert.Equal(t, []string{snapshotChannel, broadcastChannel, snapshotChannel}, backend.published)
}
