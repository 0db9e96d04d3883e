package model

import "time"

// Payment records one settled charge: the driver wallet is debited and
// the merchant credited in the same transaction that inserts this row.
// ClientToken and ExternalOrderID are the idempotency keys; either one
// deduplicates a retried submission.
type Payment struct {
	ID                uint64  `gorm:"primaryKey"`
	ClientToken       *string `gorm:"size:64;uniqueIndex"`
	ExternalOrderID   *string `gorm:"size:64;uniqueIndex"`
	DriverAccountID   uint64  `gorm:"not null;index"`
	MerchantAccountID uint64  `gorm:"not null"`
	AmountCents       int64   `gorm:"not null"`
	Status            string  `gorm:"size:16;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (Payment) TableName() string { return "payment" }
