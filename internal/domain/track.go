package domain

// Track is playable metadata as resolved by the catalog.
type Track struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	DurationMs int64  `json:"duration_ms"`
	StreamURL  string `json:"stream_url"`
}

// QueueItem denormalizes track metadata at insertion time; it is never
// re-resolved afterwards.
type QueueItem struct {
	TrackID string `json:"track_id"`
	Track   Track  `json:"track"`
}
