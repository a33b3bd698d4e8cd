package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chat is a two-party conversation. PairKey is the ordered participant pair
// (min:max) and carries the uniqueness constraint that guarantees at most one
// chat per unordered pair.
type Chat struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PairKey   string    `gorm:"uniqueIndex;not null;size:80" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Participants []User    `gorm:"many2many:chat_participants;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	Messages     []Message `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// BeforeCreate assigns a UUID when the caller did not set one.
func (c *Chat) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ParticipantIDs returns the ids of the chat's participants.
func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// HasParticipant reports whether userID belongs to the chat.
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// PairKey derives the canonical ordered key for an unordered participant pair,
// so that {a,b} and {b,a} map to the same chat row.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// ChatParticipant is the join table between chats and users.
type ChatParticipant struct {
	ChatID   string    `gorm:"primaryKey;size:36" json:"chat_id"`
	UserID   string    `gorm:"primaryKey;size:36" json:"user_id"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// TableName specifies the table name for GORM.
func (ChatParticipant) TableName() string {
	return "chat_participants"
}
