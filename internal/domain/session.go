package domain

import "time"

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionExpired  SessionStatus = "expired"
	SessionMigrated SessionStatus = "migrated"
)

type SessionFormat string

const (
	FormatLegacy  SessionFormat = "legacy"
	FormatCurrent SessionFormat = "current"
)

// Session scopes one anonymous customer's cart to a table or device.
type Session struct {
	ID           string
	TableContext string
	Status       SessionStatus
	Format       SessionFormat
	CartVersion  int64
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func (s Session) Active() bool {
	return s.Status == SessionActive
}
