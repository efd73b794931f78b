package models

import "time"

// SystemSenderName is shown as the sender of lifecycle notices.
const SystemSenderName = "System"

// Message belongs to one conversation. Only IsRead changes after creation.
type Message struct {
	ID              int64     `db:"id" json:"id"`
	ConversationID  int64     `db:"conversation_id" json:"conversation_id"`
	SenderID        *int64    `db:"sender_id" json:"sender_id,omitempty"`
	Content         string    `db:"content" json:"content"`
	IsRead          bool      `db:"is_read" json:"is_read"`
	IsSystemMessage bool      `db:"is_system_message" json:"is_system_message"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// SentBy reports whether userID authored the message.
func (m Message) SentBy(userID int64) bool {
	return m.SenderID != nil && *m.SenderID == userID
}
