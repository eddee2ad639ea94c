package group

import "github.com/unisonfm/unison/internal/domain"

// mutatePlayback runs fn on the group under the mutex and, when fn
// reports an accepted mutation, bumps the version and hands the resulting
// playback delta to the sink.
func (m *Manager) mutatePlayback(id domain.GroupID, fn func(g *state) error) error {
	p, err := m.applyPlayback(id, fn)
	if err != nil {
		return err
	}
	m.sink.PlaybackChanged(id, p)
	return nil
}

// applyPlayback holds the mutex with defer so a panicking callback cannot
// leave the manager locked.
func (m *Manager) applyPlayback(id domain.GroupID, fn func(g *state) error) (domain.Playback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.Playback{}, ErrNotFound
	}
	if err := fn(g); err != nil {
		return domain.Playback{}, err
	}
	g.bump(m.nowMs())
	return g.playback, nil
}

// Play is idempotent: asking for the status we already have is accepted.
func (m *Manager) Play(id domain.GroupID, _ domain.UserID) error {
	return m.mutatePlayback(id, func(g *state) error {
		g.playback.Status = domain.StatusPlaying
		return nil
	})
}

func (m *Manager) Pause(id domain.GroupID, _ domain.UserID) error {
	return m.mutatePlayback(id, func(g *state) error {
		g.playback.Status = domain.StatusPaused
		return nil
	})
}

// Seek clamps into [0, duration] when the current track's duration is
// known; negative positions are a validation failure.
func (m *Manager) Seek(id domain.GroupID, _ domain.UserID, positionMs int64) error {
	if positionMs < 0 {
		return invalid("positionMs must not be negative")
	}
	return m.mutatePlayback(id, func(g *state) error {
		if i := g.playback.CurrentIndex; i != domain.NoTrack {
			if dur := g.queue[i].Track.DurationMs; dur > 0 && positionMs > dur {
				positionMs = dur
			}
		}
		g.playback.PositionMs = positionMs
		return nil
	})
}

// advance moves the cursor with bounds clamping, no wraparound. Hitting an
// end is an accepted no-op on the index but still a mutation.
func (m *Manager) advance(id domain.GroupID, delta int) error {
	var (
		moved      bool
		newIndex   int
		serverTime int64
	)
	err := m.mutatePlayback(id, func(g *state) error {
		if len(g.queue) == 0 {
			return nil
		}
		next := g.playback.CurrentIndex + delta
		if next < 0 {
			next = 0
		}
		if next > len(g.queue)-1 {
			next = len(g.queue) - 1
		}
		if next != g.playback.CurrentIndex {
			g.playback.CurrentIndex = next
			g.playback.PositionMs = 0
			moved = true
			newIndex = next
			serverTime = m.nowMs()
		}
		return nil
	})
	if err == nil && moved {
		m.sink.TrackAdvanced(id, newIndex, serverTime)
	}
	return err
}

func (m *Manager) Next(id domain.GroupID, _ domain.UserID) error {
	return m.advance(id, 1)
}

func (m *Manager) Previous(id domain.GroupID, _ domain.UserID) error {
	return m.advance(id, -1)
}

// SetTrack jumps to an arbitrary queue index; out of range is rejected.
func (m *Manager) SetTrack(id domain.GroupID, _ domain.UserID, index int) error {
	var serverTime int64
	err := m.mutatePlayback(id, func(g *state) error {
		if index < 0 || index >= len(g.queue) {
			return invalid("index %d out of range", index)
		}
		g.playback.CurrentIndex = index
		g.playback.PositionMs = 0
		serverTime = m.nowMs()
		return nil
	})
	if err == nil {
		m.sink.TrackAdvanced(id, index, serverTime)
	}
	return err
}
