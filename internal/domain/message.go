package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrInvalidReceiver = errors.New("message receiver is invalid")
)

// Message is a persisted chat message between two users.
type Message struct {
	ID            int64     `json:"id"`
	SenderID      int64     `json:"sender_id"`
	ReceiverID    int64     `json:"receiver_id"`
	Content       string    `json:"content"`
	AttachmentURL *string   `json:"attachment_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// Between reports whether the message belongs to the unordered pair {a, b}.
func (m *Message) Between(a, b int64) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// OutboundMessage is the payload a client sends over the live channel.
type OutboundMessage struct {
	ReceiverID    int64   `json:"receiver_id"`
	Content       string  `json:"content"`
	AttachmentURL *string `json:"attachment_url,omitempty"`
}

// Validate rejects payloads that must never reach the wire.
func (m *OutboundMessage) Validate() error {
	if m.ReceiverID <= 0 {
		return ErrInvalidReceiver
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}
