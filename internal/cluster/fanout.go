package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

const (
	snapshotChannel  = "lt:snapshots"
	broadcastChannel = "lt:broadcast"
)

type snapshotEnvelope struct {
	Origin   string          `json:"origin"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type frameEnvelope struct {
	Origin  string          `json:"origin"`
	GroupID domain.GroupID  `json:"group_id"`
	Frame   json.RawMessage `json:"frame"`
}

// Fanout carries the two cross-pod propagation paths, kept separate on
// purpose: the transport relay moves room frames to sockets on other pods,
// the snapshot sync moves authoritative state. Transport broadcast alone
// never teaches a pod about a group's pre-existing state; only the
// snapshot path and the snapshot store do that.
type fanoutBackend interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Fanout struct {
	client     fanoutBackend
	podID      string
	onSnapshot func(domain.Snapshot)
	onFrame    func(domain.GroupID, []byte)

	sub      *redis.PubSub
	done     chan struct{}
	closed   sync.Once
	degraded atomic.Bool
}

func NewFanout(client *redis.Client, onSnapshot func(domain.Snapshot), onFrame func(domain.GroupID, []byte)) *Fanout {
	return &Fanout{
		client:     client,
		podID:      uuid.NewString(),
		onSnapshot: onSnapshot,
		onFrame:    onFrame,
		done:       make(chan struct{}),
	}
}

func (f *Fanout) PodID() string { return f.podID }

// Start subscribes to both channels and runs the consume loop. An error
// here means the caller should fall back to pod-local behavior; the
// service must still come up.
func (f *Fanout) Start(ctx context.Context) error {
	f.sub = f.client.Subscribe(ctx, snapshotChannel, broadcastChannel)
	if _, err := f.sub.Receive(ctx); err != nil {
		_ = f.sub.Close()
		f.sub = nil
		return err
	}
	go f.loop()
	log.Info().Str("module", "cluster").Str("pod", f.podID).Msg("fan-out subscribed")
	return nil
}

func (f *Fanout) loop() {
	defer close(f.done)
	for msg := range f.sub.Channel() {
		f.dispatch(msg.Channel, msg.Payload)
	}
}

func (f *Fanout) dispatch(channel, payload string) {
	switch channel {
	case snapshotChannel:
		var env snapshotEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			log.Error().Err(err).Str("module", "cluster").Msg("bad snapshot envelope")
			return
		}
		if env.Origin == f.podID {
			return
		}
		f.onSnapshot(env.Snapshot)
	case broadcastChannel:
		var env frameEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			log.Error().Err(err).Str("module", "cluster").Msg("bad frame envelope")
			return
		}
		if env.Origin == f.podID {
			return
		}
		f.onFrame(env.GroupID, env.Frame)
	}
}

// PublishSnapshot pushes the authoritative state to every other pod.
// Failures degrade, they never fail the mutation that produced the
// snapshot; the degradation is logged on the transition, not per call.
func (f *Fanout) PublishSnapshot(ctx context.Context, s domain.Snapshot) {
	payload, err := json.Marshal(snapshotEnvelope{Origin: f.podID, Snapshot: s})
	if err != nil {
		log.Error().Err(err).Str("module", "cluster").Msg("snapshot envelope encode")
		return
	}
	f.publish(ctx, snapshotChannel, payload)
}

// PublishFrame relays an already-serialized room frame to remote pods.
func (f *Fanout) PublishFrame(ctx context.Context, id domain.GroupID, frame []byte) {
	payload, err := json.Marshal(frameEnvelope{Origin: f.podID, GroupID: id, Frame: frame})
	if err != nil {
		log.Error().Err(err).Str("module", "cluster").Msg("frame envelope encode")
		return
	}
	f.publish(ctx, broadcastChannel, payload)
}

func (f *Fanout) publish(ctx context.Context, channel string, payload []byte) {
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		if f.degraded.CompareAndSwap(false, true) {
			log.Error().Err(err).Str("module", "cluster").Str("channel", channel).
				Msg("cluster publish failing, pods may diverge until the backend recovers")
		}
		return
	}
	if f.degraded.CompareAndSwap(true, false) {
		log.Info().Str("module", "cluster").Msg("cluster publish recovered")
	}
}

// Close is idempotent and waits for the consume loop to drain.
func (f *Fanout) Close() {
	f.closed.Do(func() {
		if f.sub != nil {
			_ = f.sub.Close()
			<-f.done
		}
	})
}
