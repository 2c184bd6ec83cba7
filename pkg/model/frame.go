package model

import (
	"encoding/json"
	"time"
)

// Inbound is any frame a client may send. Fields a kind does not use stay zero.
type Inbound struct {
	Type        MessageType `json:"type"`
	ThreadID    string      `json:"thread_id"`
	Content     string      `json:"content"`
	Attachments []string    `json:"attachments"`
	IsTyping    bool        `json:"is_typing"`
	MessageID   string      `json:"message_id"`
}

type ConnectionFrame struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageEvent is the client-facing view of a Message inside a new_message frame.
type MessageEvent struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"created_at"`
}

type NewMessageFrame struct {
	Type    MessageType  `json:"type"`
	Message MessageEvent `json:"message"`
}

func NewMessage(m Message) NewMessageFrame {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return NewMessageFrame{
		Type: TypeNewMessage,
		Message: MessageEvent{
			ID:          m.ID,
			ThreadID:    m.ThreadID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			Attachments: attachments,
			CreatedAt:   m.CreatedAt,
		},
	}
}

type TypingFrame struct {
	Type     MessageType `json:"type"`
	ThreadID string      `json:"thread_id"`
	UserID   string      `json:"user_id"`
	IsTyping bool        `json:"is_typing"`
}

type ReadReceiptFrame struct {
	Type      MessageType `json:"type"`
	MessageID string      `json:"message_id"`
	ThreadID  string      `json:"thread_id"`
	UserID    string      `json:"user_id"`
}

type PongFrame struct {
	Type MessageType `json:"type"`
}

type ErrorFrame struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func Error(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// Envelope is what travels on the fan-out bus: an encoded outbound frame
// plus the users it is addressed to.
type Envelope struct {
	Origin  string          `json:"origin"`
	UserIDs []string        `json:"user_ids"`
	Event   json.RawMessage `json:"event"`
}
