package model

import "time"

// LedgerEntry is an append-only record of one balance change. Entries are
// never updated or deleted; the sum of deltas for an account equals the
// account balance.
//
// (AccountID, Reason, CausalRef) is unique, which is what makes retried
// wallet operations idempotent: the losing insert of a duplicate key rolls
// the whole transaction back, balance update included. A nil CausalRef
// opts out of the guard.
type LedgerEntry struct {
	ID           uint64    `gorm:"primaryKey"`
	AccountID    uint64    `gorm:"not null;index;uniqueIndex:ux_entry_key"`
	Delta        int64     `gorm:"not null"`
	Reason       string    `gorm:"size:32;not null;uniqueIndex:ux_entry_key"`
	CausalRef    *string   `gorm:"size:128;uniqueIndex:ux_entry_key"`
	BalanceAfter int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }
