package model

import "time"

// RedeemableCode is a merchant offer code. RedeemedAt is set by exactly
// one successful redemption via a conditional update on redeemed_at IS
// NULL; a code is valid only while now < ExpiresAt and RedeemedAt is nil.
type RedeemableCode struct {
	ID                uint64 `gorm:"primaryKey"`
	Code              string `gorm:"size:64;not null;uniqueIndex"`
	MerchantAccountID uint64 `gorm:"not null"`
	ValueCents        int64  `gorm:"not null"`
	ExpiresAt         time.Time
	RedeemedAt        *time.Time
	RedeemedBy        *string   `gorm:"size:64"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (RedeemableCode) TableName() string { return "redeemable_code" }
