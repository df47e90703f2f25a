package domain

import "time"

// ChatSession identifies a chat conversation scoped by user.
type ChatSession struct {
	ChatID    string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one message in a ChatSession, stored in insertion order.
type ChatMessage struct {
	ChatID    string
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}
