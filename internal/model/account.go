package model

import "time"

// Account owner kinds.
const (
	OwnerDriver   = "driver"
	OwnerMerchant = "merchant"
	OwnerProgram  = "program"
)

// LedgerAccount holds a balance in minor currency units (cents).
// Balance is never negative at any committed state; it is mutated only
// through the conditional update in repo.ApplyEntry.
type LedgerAccount struct {
	ID        uint64    `gorm:"primaryKey"`
	OwnerType string    `gorm:"size:16;not null;uniqueIndex:ux_account_owner"`
	OwnerID   string    `gorm:"size:64;not null;uniqueIndex:ux_account_owner"`
	Balance   int64     `gorm:"not null;default:0"`
	Version   uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (LedgerAccount) TableName() string { return "ledger_account" }
