package group

import "github.com/unisonfm/unison/internal/domain"

func (m *Manager) mutateQueue(id domain.GroupID, fn func(g *state) error) error {
	queue, p, err := m.applyQueue(id, fn)
	if err != nil {
		return err
	}
	m.sink.QueueChanged(id, queue, p)
	return nil
}

// applyQueue holds the mutex with defer so a panicking callback cannot
// leave the manager locked.
func (m *Manager) applyQueue(id domain.GroupID, fn func(g *state) error) ([]domain.QueueItem, domain.Playback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, domain.Playback{}, ErrNotFound
	}
	if err := fn(g); err != nil {
		return nil, domain.Playback{}, err
	}
	g.bump(m.nowMs())
	queue := make([]domain.QueueItem, len(g.queue))
	copy(queue, g.queue)
	return queue, g.playback, nil
}

// AddTracks appends already-resolved tracks. Resolution happens exactly
// once, before this call; an empty result is rejected so a broken entry is
// never inserted.
func (m *Manager) AddTracks(id domain.GroupID, _ domain.UserID, tracks []domain.Track) error {
	if len(tracks) == 0 {
		return invalid("no valid local tracks found")
	}
	return m.mutateQueue(id, func(g *state) error {
		for _, t := range tracks {
			g.queue = append(g.queue, domain.QueueItem{TrackID: t.ID, Track: t})
		}
		if g.playback.CurrentIndex == domain.NoTrack {
			g.playback.CurrentIndex = 0
		}
		return nil
	})
}

// RemoveTrack deletes by index. A removal before the cursor shifts the
// cursor down one; at or after it leaves the cursor alone, clamped back
// into range if the tail shrank under it.
func (m *Manager) RemoveTrack(id domain.GroupID, _ domain.UserID, index int) error {
	return m.mutateQueue(id, func(g *state) error {
		if index < 0 || index >= len(g.queue) {
			return invalid("index %d out of range", index)
		}
		g.queue = append(g.queue[:index], g.queue[index+1:]...)
		switch {
		case len(g.queue) == 0:
			g.playback.CurrentIndex = domain.NoTrack
			g.playback.PositionMs = 0
			g.playback.Status = domain.StatusPaused
		case index < g.playback.CurrentIndex:
			g.playback.CurrentIndex--
		case g.playback.CurrentIndex > len(g.queue)-1:
			g.playback.CurrentIndex = len(g.queue) - 1
		}
		return nil
	})
}

// Reorder swaps two positions and remaps the cursor if it pointed at
// either of them.
func (m *Manager) Reorder(id domain.GroupID, _ domain.UserID, fromIndex, toIndex int) error {
	return m.mutateQueue(id, func(g *state) error {
		if fromIndex < 0 || fromIndex >= len(g.queue) {
			return invalid("fromIndex %d out of range", fromIndex)
		}
		if toIndex < 0 || toIndex >= len(g.queue) {
			return invalid("toIndex %d out of range", toIndex)
		}
		g.queue[fromIndex], g.queue[toIndex] = g.queue[toIndex], g.queue[fromIndex]
		switch g.playback.CurrentIndex {
		case fromIndex:
			g.playback.CurrentIndex = toIndex
		case toIndex:
			g.playback.CurrentIndex = fromIndex
		}
		return nil
	})
}

// ClearQueue empties the queue and resets playback to paused/no-selection.
func (m *Manager) ClearQueue(id domain.GroupID, _ domain.UserID) error {
	return m.mutateQueue(id, func(g *state) error {
		g.queue = nil
		g.playback.CurrentIndex = domain.NoTrack
		g.playback.PositionMs = 0
		g.playback.Status = domain.StatusPaused
		return nil
	})
}
