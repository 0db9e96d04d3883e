package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger entry reasons written by WalletService.
const (
	reasonWalletCredit = "wallet.credit"
	reasonWalletDebit  = "wallet.debit"
)

// WalletService credits and debits driver wallets. Every mutation runs
// in one transaction: idempotency check, conditional balance update,
// ledger entry, outbox event.
type WalletService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, log: logger}
}

func causalRef(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// Credit adds minor units to a wallet; auto-creates the account if
// absent. The idempotency key dedups retries: a replay returns the
// balance the first run produced, with OutcomeAlreadyExists. Payload
// equality across retries is not checked; first writer wins.
func (s *WalletService) Credit(ctx context.Context, accountID uint64, amountCents int64, key string) (int64, Outcome, error) {
	if amountCents <= 0 {
		return 0, OutcomeCreated, ErrInvalidAmount
	}
	var bal int64
	outcome := OutcomeCreated
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			prior, err := s.repo.EntryByKey(ctx, tx, accountID, reasonWalletCredit, key)
			if err != nil {
				return err
			}
			if prior != nil {
				bal = prior.BalanceAfter
				outcome = OutcomeAlreadyExists
				return nil
			}
			newBal, err := s.repo.ApplyEntry(ctx, tx, accountID, amountCents, reasonWalletCredit, causalRef(key))
			if errors.Is(err, repo.ErrNotFound) {
				acct := &model.LedgerAccount{
					ID:        accountID,
					OwnerType: model.OwnerDriver,
					OwnerID:   fmt.Sprintf("%d", accountID),
				}
				if cerr := s.repo.CreateAccount(ctx, tx, acct); cerr != nil {
					return cerr
				}
				newBal, err = s.repo.ApplyEntry(ctx, tx, accountID, amountCents, reasonWalletCredit, causalRef(key))
			}
			if err != nil {
				return err
			}
			if err := s.recordWalletEvent(ctx, tx, "wallet.credited", accountID, amountCents, newBal, key); err != nil {
				return err
			}
			bal = newBal
			return nil
		})
	})
	if err != nil {
		return s.replayOnDuplicate(ctx, accountID, reasonWalletCredit, key, err)
	}
	s.cacheAfterCommit(ctx, accountID, bal, outcome)
	return bal, outcome, nil
}

// Debit subtracts minor units from a wallet. Fails ErrNotFound for a
// missing account and repo.ErrInsufficientFunds when the balance would
// go negative; neither leaves any partial effect.
func (s *WalletService) Debit(ctx context.Context, accountID uint64, amountCents int64, key string) (int64, Outcome, error) {
	if amountCents <= 0 {
		return 0, OutcomeCreated, ErrInvalidAmount
	}
	var bal int64
	outcome := OutcomeCreated
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			prior, err := s.repo.EntryByKey(ctx, tx, accountID, reasonWalletDebit, key)
			if err != nil {
				return err
			}
			if prior != nil {
				bal = prior.BalanceAfter
				outcome = OutcomeAlreadyExists
				return nil
			}
			newBal, err := s.repo.ApplyEntry(ctx, tx, accountID, -amountCents, reasonWalletDebit, causalRef(key))
			if err != nil {
				return err
			}
			if err := s.recordWalletEvent(ctx, tx, "wallet.debited", accountID, amountCents, newBal, key); err != nil {
				return err
			}
			bal = newBal
			return nil
		})
	})
	if err != nil {
		return s.replayOnDuplicate(ctx, accountID, reasonWalletDebit, key, err)
	}
	s.cacheAfterCommit(ctx, accountID, bal, outcome)
	return bal, outcome, nil
}

// cacheAfterCommit refreshes the balance cache once the transaction has
// committed; a write inside the closure would survive a rollback. The
// replay path skips the cache, its balance is historical.
func (s *WalletService) cacheAfterCommit(ctx context.Context, accountID uint64, bal int64, outcome Outcome) {
	if outcome != OutcomeCreated {
		return
	}
	if err := s.repo.CacheBalance(ctx, accountID, bal); err != nil {
		s.log.Warnf("cache balance %d: %v", accountID, err)
	}
}

// replayOnDuplicate handles the lost race: two concurrent requests with
// the same key both pass the lookup, one insert hits the unique index
// and the whole transaction rolls back. The loser re-reads the winner's
// entry and reports it as a replay.
func (s *WalletService) replayOnDuplicate(ctx context.Context, accountID uint64, reason, key string, err error) (int64, Outcome, error) {
	if key != "" && repo.IsDuplicateKey(err) {
		prior, ferr := s.repo.EntryByKey(ctx, s.repo.DB(ctx), accountID, reason, key)
		if ferr == nil && prior != nil {
			return prior.BalanceAfter, OutcomeAlreadyExists, nil
		}
	}
	return 0, OutcomeCreated, err
}

func (s *WalletService) recordWalletEvent(ctx context.Context, tx *gorm.DB, eventType string, accountID uint64, amountCents, balance int64, key string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"account_id":      accountID,
		"amount_cents":    amountCents,
		"balance_cents":   balance,
		"idempotency_key": key,
	})
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		EventType: eventType,
		Payload:   string(payload),
	})
}

// GetBalance returns the current balance, cache first.
func (s *WalletService) GetBalance(ctx context.Context, accountID uint64) (int64, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, accountID); err == nil {
		return bal, nil
	}
	a, err := s.repo.GetAccount(ctx, s.repo.DB(ctx), accountID)
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheBalance(ctx, accountID, a.Balance); err != nil {
		s.log.Warnf("cache balance %d: %v", accountID, err)
	}
	return a.Balance, nil
}

// GetEntries fetches recent ledger entries for an account.
func (s *WalletService) GetEntries(ctx context.Context, accountID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, accountID, limit, since)
}

// Repo exposes the underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}
