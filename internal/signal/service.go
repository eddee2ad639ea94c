package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/cluster"
	"github.com/unisonfm/unison/internal/domain"
	"github.com/unisonfm/unison/internal/group"
)

// SessionHooks is the thin persistence collaborator, invoked only when a
// user actually enters or finally leaves a group — never per socket.
type SessionHooks interface {
	OnJoin(ctx context.Context, groupID, userID string) error
	OnLeave(ctx context.Context, groupID, userID string) error
}

// backendTimeout bounds every call against the coordination backends so a
// hung store can only ever stall the one event that touched it.
const backendTimeout = 2 * time.Second

type Options struct {
	Locker    cluster.Locker
	Snapshots cluster.SnapshotStore // nil: snapshot store disabled
	Verifier  *auth.Verifier
	Resolver  group.TrackResolver
	Hooks     SessionHooks

	DisconnectGrace       time.Duration
	ReconnectSLO          time.Duration
	RejectionLogThreshold int
	PollingEnabled        bool
}

type pendingKey struct {
	userID  domain.UserID
	groupID domain.GroupID
}

type pendingCleanup struct {
	timer *time.Timer
	at    time.Time
}

// Service is the connection runtime: it owns every live session, the
// group state machine, and the glue between wire events and mutations.
// The composition root constructs one and tears it down at exit.
type Service struct {
	opts    Options
	groups  *group.Manager
	hub     *Hub
	metrics *rejectionStats
	fanout  *cluster.Fanout

	mu      sync.Mutex
	conns   map[domain.SocketID]*session
	pending map[pendingKey]*pendingCleanup
	closed  bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func NewService(opts Options) *Service {
	s := &Service{
		opts:    opts,
		hub:     NewHub(),
		metrics: newRejectionStats(opts.RejectionLogThreshold),
		conns:   make(map[domain.SocketID]*session),
		pending: make(map[pendingKey]*pendingCleanup),
	}
	s.groups = group.NewManager(s)
	if opts.PollingEnabled {
		s.janitorStop = make(chan struct{})
		s.janitorDone = make(chan struct{})
		go s.pollJanitor()
	}
	return s
}

// AttachFanout wires the cluster paths in after construction; without it
// the service runs pod-local.
func (s *Service) AttachFanout(f *cluster.Fanout) {
	s.fanout = f
	s.hub.SetRelay(f)
}

// ApplyExternalSnapshot is the fan-out subscriber's entry point for state
// produced on another pod.
func (s *Service) ApplyExternalSnapshot(snap domain.Snapshot) {
	s.groups.ApplyExternalSnapshot(snap)
}

// DeliverFrame is the fan-out subscriber's entry point for room frames
// produced on another pod.
func (s *Service) DeliverFrame(id domain.GroupID, frame []byte) {
	s.hub.DeliverLocal(id, frame)
}

// group.Sink implementation: every accepted mutation becomes a room
// broadcast. Persistence and cluster sync happen once per mutation in the
// handlers, not here, so a multi-delta mutation is not persisted twice.

func (s *Service) GroupReplaced(snap domain.Snapshot) {
	s.hub.Broadcast(snap.ID, struct {
		Type  string          `json:"type"`
		Group domain.Snapshot `json:"group"`
	}{"group-state", snap})
}

func (s *Service) PlaybackChanged(id domain.GroupID, p domain.Playback) {
	s.hub.Broadcast(id, struct {
		Type     string          `json:"type"`
		Playback domain.Playback `json:"playback"`
	}{"playback-updated", p})
}

func (s *Service) QueueChanged(id domain.GroupID, queue []domain.QueueItem, p domain.Playback) {
	s.hub.Broadcast(id, struct {
		Type     string             `json:"type"`
		Queue    []domain.QueueItem `json:"queue"`
		Playback domain.Playback    `json:"playback"`
	}{"queue-updated", queue, p})
}

func (s *Service) MemberJoined(id domain.GroupID, m domain.Member) {
	s.hub.Broadcast(id, struct {
		Type   string        `json:"type"`
		Member domain.Member `json:"member"`
	}{"member-joined", m})
}

func (s *Service) MemberLeft(id domain.GroupID, m domain.Member) {
	s.hub.Broadcast(id, struct {
		Type   string        `json:"type"`
		Member domain.Member `json:"member"`
	}{"member-left", m})
}

func (s *Service) TrackAdvanced(id domain.GroupID, index int, serverTime int64) {
	s.hub.Broadcast(id, struct {
		Type       string `json:"type"`
		Index      int    `json:"index"`
		ServerTime int64  `json:"serverTime"`
	}{"track-advance", index, serverTime})
}

func (s *Service) GroupEnded(id domain.GroupID) {
	s.hub.Broadcast(id, struct {
		Type string `json:"type"`
	}{"group-ended"})
}

// persistAndSync pushes the group's latest snapshot to the snapshot store
// and to the other pods. Failures degrade to pod-local state, they never
// fail the mutation that already happened.
func (s *Service) persistAndSync(id domain.GroupID) {
	snap, ok := s.groups.SnapshotByID(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if s.opts.Snapshots != nil {
		if err := s.opts.Snapshots.Set(ctx, snap); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("group_id", string(id)).Msg("snapshot persist failed")
		}
	}
	if s.fanout != nil {
		s.fanout.PublishSnapshot(ctx, snap)
	}
}

func (s *Service) deleteSnapshot(id domain.GroupID) {
	if s.opts.Snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.opts.Snapshots.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("group_id", string(id)).Msg("snapshot delete failed")
	}
}

func (s *Service) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[sess.socketID] = sess
	return true
}

func (s *Service) unregister(sid domain.SocketID) {
	s.mu.Lock()
	delete(s.conns, sid)
	s.mu.Unlock()
}

// sessionsOf returns every live session of the user in the group, except
// the one given.
func (s *Service) sessionsOf(userID domain.UserID, id domain.GroupID, except domain.SocketID) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session
	for sid, sess := range s.conns {
		if sid == except {
			continue
		}
		if domain.UserID(sess.identity.UserID) == userID && sess.group() == id {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Service) sessionsInGroup(id domain.GroupID) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session
	for _, sess := range s.conns {
		if sess.group() == id {
			out = append(out, sess)
		}
	}
	return out
}

// Shutdown tears down every external resource the runtime holds: grace
// timers, live connections, the fan-out subscription. Safe to call more
// than once.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, p := range s.pending {
		p.timer.Stop()
	}
	s.pending = make(map[pendingKey]*pendingCleanup)
	conns := make([]Conn, 0, len(s.conns))
	for _, sess := range s.conns {
		conns = append(conns, sess.conn)
	}
	s.conns = make(map[domain.SocketID]*session)
	s.mu.Unlock()

	if s.janitorStop != nil {
		close(s.janitorStop)
		<-s.janitorDone
	}
	for _, c := range conns {
		c.Close()
	}
	if s.fanout != nil {
		s.fanout.Close()
	}
	log.Info().Str("module", "signal").Msg("connection runtime stopped")
}
