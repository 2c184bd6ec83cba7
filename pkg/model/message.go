package model

import (
	"slices"
	"time"
)

type MessageType string

const (
	// Inbound frame kinds.
	TypeMessage     MessageType = "message"
	TypeTyping      MessageType = "typing"
	TypeReadReceipt MessageType = "read_receipt"
	TypePing        MessageType = "ping"

	// Outbound-only frame kinds.
	TypeConnection MessageType = "connection"
	TypeNewMessage MessageType = "new_message"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// Thread is a conversation between a fixed set of participants.
type Thread struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is a persisted chat message. ReadBy only ever grows.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	ReadBy      []string  `json:"read_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m Message) HasRead(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}
