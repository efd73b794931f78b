package models

import "time"

// Conversation is a thread between two participants, stored with the lower
// user id first so that each pair maps to exactly one row.
type Conversation struct {
	ID             int64     `db:"id" json:"id"`
	Participant1ID int64     `db:"participant1_id" json:"participant1_id"`
	Participant2ID int64     `db:"participant2_id" json:"participant2_id"`
	ModeratorID    *int64    `db:"moderator_id" json:"moderator_id,omitempty"`
	IsDisputed     bool      `db:"is_disputed" json:"is_disputed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// CanonicalPair orders two user ids lowest first.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two primary participants.
func (c Conversation) HasParticipant(userID int64) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// CanRead reports whether userID may see the thread.
func (c Conversation) CanRead(userID int64) bool {
	return c.HasParticipant(userID) || (c.ModeratorID != nil && *c.ModeratorID == userID)
}

// PeerOf returns the other participant, or 0 when userID is not a participant.
func (c Conversation) PeerOf(userID int64) int64 {
	switch userID {
	case c.Participant1ID:
		return c.Participant2ID
	case c.Participant2ID:
		return c.Participant1ID
	}
	return 0
}
