package domain

import "time"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationEntry is one message of the advisory chat. The log is append-only.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
}

// ValidRole reports whether role is accepted in the conversation log.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// SupportRequest is a user-submitted help request buffered until it reaches the remote.
type SupportRequest struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Contact   string    `json:"contact,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
}
