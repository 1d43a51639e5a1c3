package models

import "time"

// Role tags who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role may be stored as a turn.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one turn of a chat session.
type Message struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChatMessage is the role/content pair exchanged with the completion endpoint.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Text is accepted as an alias of Content on input.
	Text string `json:"text,omitempty"`
}

// Body returns Content, falling back to Text.
func (m ChatMessage) Body() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text
}

// ToChatMessages maps turns to role/content pairs.
func ToChatMessages(turns []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, ChatMessage{Role: t.Role, Content: t.Content})
	}
	return out
}
