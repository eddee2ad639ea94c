package group

import (
	"context"

	"github.com/unisonfm/unison/internal/domain"
)

// Sink receives notifications for every accepted mutation. The manager
// performs no network I/O of its own; the connection runtime implements
// this interface and turns the calls into room broadcasts.
type Sink interface {
	GroupReplaced(s domain.Snapshot)
	PlaybackChanged(id domain.GroupID, p domain.Playback)
	QueueChanged(id domain.GroupID, queue []domain.QueueItem, p domain.Playback)
	MemberJoined(id domain.GroupID, m domain.Member)
	MemberLeft(id domain.GroupID, m domain.Member)
	TrackAdvanced(id domain.GroupID, index int, serverTime int64)
	GroupEnded(id domain.GroupID)
}

// TrackResolver maps track ids to playable metadata. It belongs to the
// catalog subsystem; the state machine only ever sees resolved tracks.
type TrackResolver interface {
	Resolve(ctx context.Context, trackIDs []string) ([]domain.Track, error)
}
