package model

import "time"

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// ChargingSession is an exclusive charging session. ActiveStationID
// mirrors StationID while the session is active and goes NULL on end;
// its unique index is what keeps a station down to one active session.
type ChargingSession struct {
	ID              uint64  `gorm:"primaryKey"`
	IdempotencyKey  *string `gorm:"size:64;uniqueIndex"`
	StationID       string  `gorm:"size:64;not null;index"`
	ActiveStationID *string `gorm:"size:64;uniqueIndex"`
	DriverAccountID uint64  `gorm:"not null"`
	Status          string  `gorm:"size:16;not null"`
	StartedAt       time.Time `gorm:"autoCreateTime"`
	EndedAt         *time.Time
}

func (ChargingSession) TableName() string { return "charging_session" }
