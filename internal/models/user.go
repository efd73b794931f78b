package models

import "time"

// User is the subset of a marketplace account the realtime layer needs.
type User struct {
	ID       int64      `db:"id" json:"id"`
	Username string     `db:"username" json:"username"`
	IsStaff  bool       `db:"is_staff" json:"is_staff"`
	LastSeen *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}
