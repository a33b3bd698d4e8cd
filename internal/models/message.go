package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageStatus is the delivery state of a message. Transitions only move
// forward: SENT -> DELIVERED -> READ.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Rank returns the ordering of the status in the delivery progression,
// or -1 for an unknown status.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known delivery statuses.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Message is an immutable text record in a chat; only Status mutates, and
// only forward.
type Message struct {
	ID        string        `gorm:"primaryKey;size:64" json:"id"`
	ChatID    string        `gorm:"not null;index;size:36" json:"chat_id"`
	SenderID  string        `gorm:"not null;index;size:36" json:"sender_id"`
	Content   string        `gorm:"type:text;not null" json:"content"`
	Status    MessageStatus `gorm:"not null;index;default:'SENT'" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// BeforeCreate assigns a UUID when the client did not supply a message id.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	return nil
}

// StatusUpdate is the payload published on the chat.message.status topic.
type StatusUpdate struct {
	MessageID string        `json:"message_id"`
	ChatID    string        `json:"chat_id"`
	SenderID  string        `json:"sender_id"`
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}
