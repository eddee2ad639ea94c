package domain

// Member represents a user's participation meta for a group.
// No transport or lifecycle logic here.
type Member struct {
	UserID   UserID `json:"user_id"`
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	JoinedAt int64  `json:"joined_at"`
}
