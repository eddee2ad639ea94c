package domain

type GroupID string
type UserID string
type SocketID string

type PlaybackStatus string

const (
	StatusPaused  PlaybackStatus = "paused"
	StatusPlaying PlaybackStatus = "playing"
)

// NoTrack is the currentIndex sentinel for an empty queue.
const NoTrack = -1

type Playback struct {
	Status       PlaybackStatus `json:"status"`
	CurrentIndex int            `json:"current_index"`
	PositionMs   int64          `json:"position_ms"`
	StateVersion uint64         `json:"state_version"`
	ServerTime   int64          `json:"server_time"`
}

// Snapshot is the serializable projection of a group. Socket ids are
// pod-local and never leave the process, so they are absent here.
type Snapshot struct {
	ID         GroupID     `json:"id"`
	HostUserID UserID      `json:"host_user_id"`
	Queue      []QueueItem `json:"queue"`
	Playback   Playback    `json:"playback"`
	Members    []Member    `json:"members"`
}
