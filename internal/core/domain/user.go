package domain

// PresenceEntry binds a durable user identity to its live connection.
type PresenceEntry struct {
	UserID       UserID       `json:"user_id"`
	ConnectionID ConnectionID `json:"connection_id"`
}
