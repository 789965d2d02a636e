package models

import "time"

type SessionStatus string

const (
	OpeningSessionStatus SessionStatus = "OPENING"
	IdleSessionStatus    SessionStatus = "IDLE"
	BusySessionStatus    SessionStatus = "BUSY"
	ErrorSessionStatus   SessionStatus = "ERROR"
	ClosedSessionStatus  SessionStatus = "CLOSED"
)

// Session is a live remote browser context bound to exactly one account.
// Sessions are in-memory state only; after a restart they are reopened
// lazily on the next task for the account.
type Session struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	EndpointRef     string        `json:"-"` // opaque provider connection handle
	LoggedIn        bool          `json:"logged_in"`
	Status          SessionStatus `json:"status"`
	OpenedAt        time.Time     `json:"opened_at"`
	LastHealthCheck time.Time     `json:"last_health_check"`
	LastReleasedAt  time.Time     `json:"last_released_at"`
}
