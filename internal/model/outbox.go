package model

import "time"

// OutboxEvent is written in the same transaction as the mutation it
// describes and later delivered by the relay. Rows are never mutated
// except for delivery bookkeeping; ProcessedAt, once set, is never
// cleared.
type OutboxEvent struct {
	ID            uint64    `gorm:"primaryKey"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
	Processed     bool      `gorm:"not null;default:false;index"`
	ProcessedAt   *time.Time
	Attempts      int `gorm:"not null;default:0"`
	NextAttemptAt *time.Time
	LastError     *string `gorm:"size:512"`
	ClaimedBy     *string `gorm:"size:64"`
	ClaimedUntil  *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
