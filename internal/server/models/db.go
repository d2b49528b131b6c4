package models

import "time"

// Session is one hosting session. OwnerID is the identity uid that started it.
type Session struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	CreatedAt   time.Time `db:"created_at"`
	RefreshedAt time.Time `db:"refreshed_at"`
}

// PlaybackState is the latest accepted update of a session. Timestamp is the
// host's capture time in Unix milliseconds and orders updates.
type PlaybackState struct {
	SessionID  string    `db:"session_id" json:"session"`
	URI        string    `db:"uri" json:"uri"`
	PositionMs int64     `db:"position_ms" json:"position"`
	Playing    bool      `db:"playing" json:"playing"`
	Timestamp  int64     `db:"ts" json:"timestamp"`
	UpdatedAt  time.Time `db:"updated_at" json:"-"`
}
