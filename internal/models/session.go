package models

import "time"

// DefaultSessionTitle is assigned to every new session until its first exchange.
const DefaultSessionTitle = "New Chat"

// Session is a persisted conversation thread owned by one identity.
type Session struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
