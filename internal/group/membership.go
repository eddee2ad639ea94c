package group

import (
	"github.com/rs/zerolog/log"

	"github.com/unisonfm/unison/internal/domain"
)

// LeaveResult tells the caller what a departure did to the group.
type LeaveResult struct {
	Left    bool
	Ended   bool
	NewHost domain.UserID
}

// Join adds the user to the group, creating the group with the joiner as
// host on first contact. A second socket for an existing member is plain
// bookkeeping and does not count as a mutation.
func (m *Manager) Join(id domain.GroupID, userID domain.UserID, name string, socketID domain.SocketID) (domain.Snapshot, bool) {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		g = &state{
			id:      id,
			host:    userID,
			members: make(map[domain.UserID]*member),
			playback: domain.Playback{
				Status:       domain.StatusPaused,
				CurrentIndex: domain.NoTrack,
			},
		}
		m.groups[id] = g
		log.Info().Str("module", "group").Str("group_id", string(id)).Str("host", string(userID)).Msg("group created")
	}

	mem, existed := g.members[userID]
	if !existed {
		mem = &member{
			Member:  domain.Member{UserID: userID, Name: name, JoinedAt: m.nowMs()},
			sockets: make(map[domain.SocketID]struct{}),
		}
		g.members[userID] = mem
		g.bump(m.nowMs())
	}
	mem.sockets[socketID] = struct{}{}

	snap := g.snapshot()
	joined := mem.Member
	m.mu.Unlock()

	if !existed {
		m.sink.MemberJoined(id, joined)
	}
	return snap, !existed
}

// Leave removes the member and all their sockets. The host role passes to
// the longest-joined remaining member; an emptied group is destroyed.
func (m *Manager) Leave(id domain.GroupID, userID domain.UserID) LeaveResult {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return LeaveResult{}
	}
	mem, ok := g.members[userID]
	if !ok {
		m.mu.Unlock()
		return LeaveResult{}
	}
	delete(g.members, userID)
	left := mem.Member

	if len(g.members) == 0 {
		delete(m.groups, id)
		m.mu.Unlock()
		m.sink.MemberLeft(id, left)
		m.sink.GroupEnded(id)
		log.Info().Str("module", "group").Str("group_id", string(id)).Msg("group emptied, destroyed")
		return LeaveResult{Left: true, Ended: true}
	}

	res := LeaveResult{Left: true}
	if g.host == userID {
		var successor *member
		for _, cand := range g.members {
			if successor == nil || cand.JoinedAt < successor.JoinedAt {
				successor = cand
			}
		}
		g.host = successor.UserID
		res.NewHost = g.host
		log.Info().Str("module", "group").Str("group_id", string(id)).Str("host", string(g.host)).Msg("host handed off")
	}
	g.bump(m.nowMs())
	m.mu.Unlock()

	m.sink.MemberLeft(id, left)
	return res
}

// End destroys the group outright. The caller enforces that only the host
// may do this.
func (m *Manager) End(id domain.GroupID) bool {
	m.mu.Lock()
	_, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.groups, id)
	m.mu.Unlock()

	m.sink.GroupEnded(id)
	log.Info().Str("module", "group").Str("group_id", string(id)).Msg("group ended by host")
	return true
}

// ReportReady marks the member as done buffering. Readiness aggregates in
// the snapshot; it never gates playback.
func (m *Manager) ReportReady(id domain.GroupID, userID domain.UserID) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	mem, ok := g.members[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotMember
	}
	mem.Ready = true
	g.bump(m.nowMs())
	snap := g.snapshot()
	m.mu.Unlock()

	m.sink.GroupReplaced(snap)
	return nil
}

func (m *Manager) AddSocket(id domain.GroupID, userID domain.UserID, socketID domain.SocketID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return ErrNotFound
	}
	mem, ok := g.members[userID]
	if !ok {
		return ErrNotMember
	}
	mem.sockets[socketID] = struct{}{}
	return nil
}

// RemoveSocket drops one socket and reports how many the member still has.
// The member entry itself survives; departure is the grace timer's call.
func (m *Manager) RemoveSocket(id domain.GroupID, userID domain.UserID, socketID domain.SocketID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return 0
	}
	mem, ok := g.members[userID]
	if !ok {
		return 0
	}
	delete(mem.sockets, socketID)
	return len(mem.sockets)
}
