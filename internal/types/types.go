package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type ChatType string

const (
	ChatTypeGeneral ChatType = "general"
	ChatTypeSession ChatType = "session"
)

type Chat struct {
	Id           string    `json:"id"`
	Type         ChatType  `json:"type"`
	Participants []User    `json:"participants"`
	SessionId    string    `json:"session_id,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
	MessageTypeCall   MessageType = "call"
)

type Message struct {
	Id      string      `json:"id"`
	ChatId  string      `json:"chat_id"`
	Sender  User        `json:"sender"`
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
	FileURL string      `json:"file_url,omitempty"`
	ReplyTo string      `json:"reply_to,omitempty"`
	// ClientKey is the client-generated idempotency key echoed back by
	// the server so optimistic entries can be reconciled.
	ClientKey string        `json:"client_key,omitempty"`
	ReadBy    []ReadReceipt `json:"read_by,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type ReadReceipt struct {
	UserId string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Session struct {
	Id           string    `json:"id"`
	Title        string    `json:"title"`
	MentorId     string    `json:"mentor_id"`
	Participants []User    `json:"participants"`
	ScheduledAt  time.Time `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Connection struct {
	Id        string    `json:"id"`
	MentorId  string    `json:"mentor_id"`
	MenteeId  string    `json:"mentee_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
