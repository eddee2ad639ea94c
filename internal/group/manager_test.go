package group

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisonfm/unison/internal/domain"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *sinkRecorder) record(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *sinkRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *sinkRecorder) GroupReplaced(domain.Snapshot)                          { r.record("group-replaced") }
func (r *sinkRecorder) PlaybackChanged(domain.GroupID, domain.Playback)        { r.record("playback") }
func (r *sinkRecorder) QueueChanged(domain.GroupID, []domain.QueueItem, domain.Playback) {
	r.record("queue")
}
func (r *sinkRecorder) MemberJoined(domain.GroupID, domain.Member)        { r.record("member-joined") }
func (r *sinkRecorder) MemberLeft(domain.GroupID, domain.Member)          { r.record("member-left") }
func (r *sinkRecorder) TrackAdvanced(domain.GroupID, int, int64)          { r.record("track-advance") }
func (r *sinkRecorder) GroupEnded(domain.GroupID)                         { r.record("group-ended") }

func tracks(ids ...string) []domain.Track {
	out := make([]domain.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Track{ID: id, Title: id, DurationMs: 180_000})
	}
	return out
}

func seeded(t *testing.T, trackIDs ...string) (*Manager, *sinkRecorder, domain.GroupID) {
	t.Helper()
	rec := &sinkRecorder{}
	m := NewManager(rec)
	gid := domain.GroupID("g1")
	m.Join(gid, "host", "Host", "s1")
	if len(trackIDs) > 0 {
		require.NoError(t, m.AddTracks(gid, "host", tracks(trackIDs...)))
	}
	return m, rec, gid
}

func playbackOf(t *testing.T, m *Manager, gid domain.GroupID) domain.Playback {
	t.Helper()
	snap, ok := m.SnapshotByID(gid)
	require.True(t, ok)
	return snap.Playback
}

func TestStateVersionStrictlyIncreasing(t *testing.T) {
	m, _, gid := seeded(t, "a", "b", "c")

	last := playbackOf(t, m, gid).StateVersion
	steps := []func() error{
		func() error { return m.Play(gid, "host") },
		func() error { return m.Seek(gid, "host", 1000) },
		func() error { return m.Next(gid, "host") },
		func() error { return m.Pause(gid, "host") },
		func() error { return m.SetTrack(gid, "host", 2) },
		func() error { return m.RemoveTrack(gid, "host", 0) },
		func() error { return m.ClearQueue(gid, "host") },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		snap, ok := m.SnapshotByID(gid)
		require.True(t, ok)
		assert.Greater(t, snap.Playback.StateVersion, last, "step %d", i)
		last = snap.Playback.StateVersion
		if len(snap.Queue) == 0 {
			assert.Equal(t, domain.NoTrack, snap.Playback.CurrentIndex, "step %d", i)
		} else {
			assert.GreaterOrEqual(t, snap.Playback.CurrentIndex, 0, "step %d", i)
			assert.Less(t, snap.Playback.CurrentIndex, len(snap.Queue), "step %d", i)
		}
	}
}

func TestNextNoWraparound(t *testing.T) {
	m, _, gid := seeded(t, "a", "b", "c")
	require.Equal(t, 0, playbackOf(t, m, gid).CurrentIndex)

	require.NoError(t, m.Next(gid, "host"))
	assert.Equal(t, 1, playbackOf(t, m, gid).CurrentIndex)
	require.NoError(t, m.Next(gid, "host"))
	assert.Equal(t, 2, playbackOf(t, m, gid).CurrentIndex)
	require.NoError(t, m.Next(gid, "host"))
	assert.Equal(t, 2, playbackOf(t, m, gid).CurrentIndex, "no wraparound at the end")

	require.NoError(t, m.Previous(gid, "host"))
	require.NoError(t, m.Previous(gid, "host"))
	require.NoError(t, m.Previous(gid, "host"))
	assert.Equal(t, 0, playbackOf(t, m, gid).CurrentIndex, "no wraparound at the start")
}

func TestAddTracksEmptyResolutionRejected(t *testing.T) {
	m, rec, gid := seeded(t)
	before := playbackOf(t, m, gid).StateVersion

	err := m.AddTracks(gid, "host", nil)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "no valid local tracks found", ve.Msg)

	snap, _ := m.SnapshotByID(gid)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, before, snap.Playback.StateVersion, "rejection must not mutate")
	assert.Zero(t, rec.count("queue"))
}

func TestRemoveTrackCursorShift(t *testing.T) {
	cases := []struct {
		name      string
		cursor    int
		remove    int
		wantIndex int
	}{
		{"before cursor decrements", 2, 0, 1},
		{"at cursor keeps index", 1, 1, 1},
		{"after cursor unchanged", 0, 2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, gid := seeded(t, "a", "b", "c")
			require.NoError(t, m.SetTrack(gid, "host", tc.cursor))
			require.NoError(t, m.RemoveTrack(gid, "host", tc.remove))
			assert.Equal(t, tc.wantIndex, playbackOf(t, m, gid).CurrentIndex)
		})
	}

	t.Run("removing the last item resets playback", func(t *testing.T) {
		m, _, gid := seeded(t, "a")
		require.NoError(t, m.Play(gid, "host"))
		require.NoError(t, m.RemoveTrack(gid, "host", 0))
		p := playbackOf(t, m, gid)
		assert.Equal(t, domain.NoTrack, p.CurrentIndex)
		assert.Equal(t, domain.StatusPaused, p.Status)
	})

	t.Run("cursor clamps when the tail shrinks under it", func(t *testing.T) {
		m, _, gid := seeded(t, "a", "b")
		require.NoError(t, m.SetTrack(gid, "host", 1))
		require.NoError(t, m.RemoveTrack(gid, "host", 1))
		assert.Equal(t, 0, playbackOf(t, m, gid).CurrentIndex)
	})
}

func TestReorderRemapsCursor(t *testing.T) {
	m, _, gid := seeded(t, "a", "b", "c")
	require.NoError(t, m.SetTrack(gid, "host", 0))

	require.NoError(t, m.Reorder(gid, "host", 0, 2))
	snap, _ := m.SnapshotByID(gid)
	assert.Equal(t, 2, snap.Playback.CurrentIndex, "cursor follows the moved item")
	assert.Equal(t, "a", snap.Queue[2].TrackID)
	assert.Equal(t, "c", snap.Queue[0].TrackID)

	err := m.Reorder(gid, "host", 0, 9)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSeek(t *testing.T) {
	m, _, gid := seeded(t, "a")

	err := m.Seek(gid, "host", -5)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, m.Seek(gid, "host", 999_999_999))
	assert.Equal(t, int64(180_000), playbackOf(t, m, gid).PositionMs, "clamped to track duration")

	require.NoError(t, m.Seek(gid, "host", 30_000))
	assert.Equal(t, int64(30_000), playbackOf(t, m, gid).PositionMs)
}

func TestApplyExternalSnapshotAntiRegression(t *testing.T) {
	m, _, gid := seeded(t, "a", "b")
	require.NoError(t, m.Play(gid, "host"))
	local := playbackOf(t, m, gid)

	stale, _ := m.SnapshotByID(gid)
	stale.Playback.StateVersion = local.StateVersion - 1
	stale.Playback.Status = domain.StatusPaused
	assert.False(t, m.ApplyExternalSnapshot(stale), "strictly lower version is ignored")
	assert.Equal(t, domain.StatusPlaying, playbackOf(t, m, gid).Status)

	newer, _ := m.SnapshotByID(gid)
	newer.Playback.StateVersion = local.StateVersion + 10
	newer.Playback.Status = domain.StatusPaused
	assert.True(t, m.ApplyExternalSnapshot(newer))
	p := playbackOf(t, m, gid)
	assert.Equal(t, domain.StatusPaused, p.Status)
	assert.Equal(t, local.StateVersion+10, p.StateVersion)
}

func TestApplyExternalSnapshotSeedsUnknownGroup(t *testing.T) {
	rec := &sinkRecorder{}
	m := NewManager(rec)
	snap := domain.Snapshot{
		ID:         "remote",
		HostUserID: "u1",
		Queue:      []domain.QueueItem{{TrackID: "a"}},
		Playback:   domain.Playback{CurrentIndex: 0, StateVersion: 7, Status: domain.StatusPlaying},
		Members:    []domain.Member{{UserID: "u1", Name: "One"}},
	}
	require.True(t, m.ApplyExternalSnapshot(snap))
	got, ok := m.SnapshotByID("remote")
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.Playback.StateVersion)
	assert.Equal(t, 1, rec.count("group-replaced"))
}

func TestApplyExternalSnapshotClampsCursor(t *testing.T) {
	rec := &sinkRecorder{}
	m := NewManager(rec)
	snap := domain.Snapshot{
		ID:         "remote",
		HostUserID: "u1",
		Queue:      []domain.QueueItem{{TrackID: "a", Track: domain.Track{ID: "a", DurationMs: 1000}}},
		Playback:   domain.Playback{CurrentIndex: 5, StateVersion: 9, Status: domain.StatusPlaying},
		Members:    []domain.Member{{UserID: "u1", Name: "One"}},
	}
	require.True(t, m.ApplyExternalSnapshot(snap))
	got, ok := m.SnapshotByID("remote")
	require.True(t, ok)
	assert.Equal(t, 0, got.Playback.CurrentIndex, "out-of-range cursor clamps into the queue")

	require.NoError(t, m.Seek("remote", "u1", 10), "playback ops work on the merged state")

	empty := domain.Snapshot{
		ID:       "bare",
		Playback: domain.Playback{CurrentIndex: 3, StateVersion: 1},
	}
	require.True(t, m.ApplyExternalSnapshot(empty))
	got, _ = m.SnapshotByID("bare")
	assert.Equal(t, domain.NoTrack, got.Playback.CurrentIndex, "empty queue resets to the sentinel")
}

func TestMutationPanicDoesNotLeakLock(t *testing.T) {
	m, _, gid := seeded(t, "a")

	func() {
		defer func() { require.NotNil(t, recover()) }()
		_ = m.mutatePlayback(gid, func(*state) error { panic("corrupted entry") })
	}()

	done := make(chan struct{})
	go func() {
		m.Has(gid)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager mutex was not released after a panicking mutation")
	}
}

func TestLeaveHostHandoffAndGroupEnd(t *testing.T) {
	m, rec, gid := seeded(t)
	m.Join(gid, "second", "Second", "s2")

	res := m.Leave(gid, "host")
	require.True(t, res.Left)
	assert.False(t, res.Ended)
	assert.Equal(t, domain.UserID("second"), res.NewHost)
	host, _ := m.HostOf(gid)
	assert.Equal(t, domain.UserID("second"), host)

	res = m.Leave(gid, "second")
	assert.True(t, res.Ended)
	assert.False(t, m.Has(gid))
	assert.Equal(t, 1, rec.count("group-ended"))

	// leaving a destroyed group is a quiet no-op
	res = m.Leave(gid, "second")
	assert.False(t, res.Left)
}

func TestSocketBookkeeping(t *testing.T) {
	m, _, gid := seeded(t)
	require.NoError(t, m.AddSocket(gid, "host", "s2"))
	assert.Equal(t, 2, m.SocketCount(gid, "host"))
	assert.Equal(t, 1, m.RemoveSocket(gid, "host", "s2"))
	assert.Equal(t, 0, m.RemoveSocket(gid, "host", "s1"))
	assert.True(t, m.IsMember(gid, "host"), "member survives socket loss until cleanup")
}

func TestReportReady(t *testing.T) {
	m, rec, gid := seeded(t, "a")
	require.NoError(t, m.ReportReady(gid, "host"))
	snap, _ := m.SnapshotByID(gid)
	require.Len(t, snap.Members, 1)
	assert.True(t, snap.Members[0].Ready)
	assert.Equal(t, 1, rec.count("group-replaced"))

	assert.ErrorIs(t, m.ReportReady(gid, "stranger"), ErrNotMember)
}
