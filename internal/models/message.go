package models

import "time"

// Message is one transcript entry. Immutable once created; ordered by
// created_at within a session.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleFromStore maps a stored role string to the in-memory role:
// "assistant" is bot-authored, anything else counts as user-authored.
func RoleFromStore(raw string) Role {
	if raw == string(RoleAssistant) {
		return RoleAssistant
	}
	return RoleUser
}
