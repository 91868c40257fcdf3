package models

import "time"

// Session outcomes.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionHangup    = "hangup"
)

// Session is the persisted summary of one FastAGI session.
type Session struct {
	ID         string // uuid
	RemoteAddr string
	Script     string
	Channel    string // agi_channel
	UniqueID   string // agi_uniqueid
	CallerID   string // agi_callerid
	StartedAt  time.Time
	EndedAt    *time.Time
	Commands   int64
	Outcome    string
	Error      string
}

// AssetEvent is the persisted summary of one audio provisioning request.
type AssetEvent struct {
	ID         int64
	SessionID  string
	Asset      string
	State      string
	DirCreated bool
	Downloaded bool
	Error      string
	CreatedAt  time.Time
}
