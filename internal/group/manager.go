package group

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

var (
	ErrNotFound  = errors.New("group not found")
	ErrNotMember = errors.New("not a member of the group")
)

// ValidationError marks a rejected argument. It never corrupts state and
// its message is safe to surface to the caller verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type member struct {
	domain.Member
	sockets map[domain.SocketID]struct{}
}

type state struct {
	id       domain.GroupID
	host     domain.UserID
	queue    []domain.QueueItem
	playback domain.Playback
	members  map[domain.UserID]*member
}

// Manager holds the authoritative in-memory model of every active group.
// All access is funneled through its mutex; cross-pod serialization is the
// mutation lock's job, not ours.
type Manager struct {
	mu     sync.RWMutex
	groups map[domain.GroupID]*state
	sink   Sink
	now    func() time.Time
}

func NewManager(sink Sink) *Manager {
	return &Manager{
		groups: make(map[domain.GroupID]*state),
		sink:   sink,
		now:    time.Now,
	}
}

func (m *Manager) nowMs() int64 {
	return m.now().UnixMilli()
}

// bump records an accepted mutation: stateVersion up, serverTime refreshed.
func (g *state) bump(nowMs int64) {
	g.playback.StateVersion++
	g.playback.ServerTime = nowMs
}

func (g *state) snapshot() domain.Snapshot {
	queue := make([]domain.QueueItem, len(g.queue))
	copy(queue, g.queue)
	members := make([]domain.Member, 0, len(g.members))
	for _, mem := range g.members {
		members = append(members, mem.Member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt < members[j].JoinedAt })
	return domain.Snapshot{
		ID:         g.id,
		HostUserID: g.host,
		Queue:      queue,
		Playback:   g.playback,
		Members:    members,
	}
}

func (m *Manager) Has(id domain.GroupID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[id]
	return ok
}

func (m *Manager) SnapshotByID(id domain.GroupID) (domain.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.Snapshot{}, false
	}
	return g.snapshot(), true
}

func (m *Manager) HostOf(id domain.GroupID) (domain.UserID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return "", false
	}
	return g.host, true
}

func (m *Manager) IsMember(id domain.GroupID, userID domain.UserID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return false
	}
	_, ok = g.members[userID]
	return ok
}

// SocketCount reports how many live sockets a member has in the group.
func (m *Manager) SocketCount(id domain.GroupID, userID domain.UserID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return 0
	}
	mem, ok := g.members[userID]
	if !ok {
		return 0
	}
	return len(mem.sockets)
}

// ApplyExternalSnapshot overwrites local state with a snapshot produced on
// another pod. Versions strictly below the local one are ignored so a
// delayed message can never regress state. Local socket bookkeeping is
// preserved across the merge.
func (m *Manager) ApplyExternalSnapshot(s domain.Snapshot) bool {
	m.mu.Lock()
	g, ok := m.groups[s.ID]
	if ok && g.playback.StateVersion > s.Playback.StateVersion {
		m.mu.Unlock()
		log.Debug().Str("module", "group").Str("group_id", string(s.ID)).
			Uint64("local", g.playback.StateVersion).Uint64("remote", s.Playback.StateVersion).
			Msg("stale snapshot ignored")
		return false
	}
	if !ok {
		g = &state{id: s.ID, members: make(map[domain.UserID]*member)}
		m.groups[s.ID] = g
	}
	g.host = s.HostUserID
	g.queue = make([]domain.QueueItem, len(s.Queue))
	copy(g.queue, s.Queue)
	g.playback = s.Playback
	// a corrupted or divergent snapshot must not break the cursor
	// invariant: clamp into the queue, sentinel when there is nothing to
	// point at
	switch {
	case len(g.queue) == 0:
		g.playback.CurrentIndex = domain.NoTrack
	case g.playback.CurrentIndex < domain.NoTrack:
		g.playback.CurrentIndex = domain.NoTrack
	case g.playback.CurrentIndex >= len(g.queue):
		g.playback.CurrentIndex = len(g.queue) - 1
	}
	merged := make(map[domain.UserID]*member, len(s.Members))
	for _, sm := range s.Members {
		mem := &member{Member: sm, sockets: make(map[domain.SocketID]struct{})}
		if prev, ok := g.members[sm.UserID]; ok {
			mem.sockets = prev.sockets
		}
		merged[sm.UserID] = mem
	}
	g.members = merged
	snap := g.snapshot()
	m.mu.Unlock()

	m.sink.GroupReplaced(snap)
	return true
}
