package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/voltpass/rewards-service/internal/logger"
	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepoWithCache(t *testing.T) (*repo.Repository, redismock.ClientMock) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.LedgerAccount{}, &model.LedgerEntry{}, &model.OutboxEvent{},
		&model.RedeemableCode{}, &model.ChargingSession{}, &model.Payment{},
	))
	rdb, mock := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)
	return repo.NewRepository(db, rdb, &kafka.Writer{}, log), mock
}

func newTestRepo(t *testing.T) *repo.Repository {
	// cache misses and failed writes only warn, so no expectations needed
	r, _ := newTestRepoWithCache(t)
	return r
}

func newWalletService(t *testing.T) (*WalletService, context.Context) {
	r := newTestRepo(t)
	log, _ := logger.NewLogger()
	return NewWalletService(r, log), context.Background()
}

func countEvents(t *testing.T, r repo.RepositoryInterface, eventType string) int64 {
	var n int64
	assert.NoError(t, r.DB(context.Background()).Model(&model.OutboxEvent{}).
		Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestCredit_AutoCreatesAndReplays(t *testing.T) {
	svc, ctx := newWalletService(t)

	bal, outcome, err := svc.Credit(ctx, 1, 1000, "k1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, int64(1000), bal)

	// same key, different payload: first writer wins, no second entry
	bal, outcome, err = svc.Credit(ctx, 1, 9999, "k1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, outcome)
	assert.Equal(t, int64(1000), bal)

	var entries []model.LedgerEntry
	assert.NoError(t, svc.Repo().DB(ctx).Where("account_id = ?", 1).Find(&entries).Error)
	assert.Len(t, entries, 1)

	assert.Equal(t, int64(1), countEvents(t, svc.Repo(), "wallet.credited"))
}

func TestDebit_InsufficientFundsScenario(t *testing.T) {
	svc, ctx := newWalletService(t)

	_, _, err := svc.Credit(ctx, 1, 500, "seed")
	assert.NoError(t, err)

	// two 400 debits with distinct keys: exactly one succeeds
	bal, outcome, err := svc.Debit(ctx, 1, 400, "d1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, int64(100), bal)

	_, _, err = svc.Debit(ctx, 1, 400, "d2")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	finalBal, err := svc.GetBalance(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), finalBal)

	var debits []model.LedgerEntry
	assert.NoError(t, svc.Repo().DB(ctx).
		Where("account_id = ? AND delta = ?", 1, -400).Find(&debits).Error)
	assert.Len(t, debits, 1)
}

func TestDebit_MissingAccount(t *testing.T) {
	svc, ctx := newWalletService(t)
	_, _, err := svc.Debit(ctx, 42, 100, "k")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreditDebit_InvalidAmount(t *testing.T) {
	svc, ctx := newWalletService(t)
	_, _, err := svc.Credit(ctx, 1, 0, "k")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = svc.Debit(ctx, 1, -5, "k")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWallet_EventPerMutation(t *testing.T) {
	svc, ctx := newWalletService(t)

	_, _, err := svc.Credit(ctx, 1, 300, "c1")
	assert.NoError(t, err)
	_, _, err = svc.Debit(ctx, 1, 100, "d1")
	assert.NoError(t, err)

	assert.Equal(t, int64(1), countEvents(t, svc.Repo(), "wallet.credited"))
	assert.Equal(t, int64(1), countEvents(t, svc.Repo(), "wallet.debited"))

	entries, err := svc.GetEntries(ctx, 1, 10, time.Now().Add(-time.Hour))
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCredit_ConcurrentSameKey(t *testing.T) {
	svc, ctx := newWalletService(t)

	const workers = 8
	var wg sync.WaitGroup
	balances := make([]int64, workers)
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			balances[i], outcomes[i], errs[i] = svc.Credit(ctx, 1, 1000, "same-key")
		}(i)
	}
	wg.Wait()

	// every caller observes the single application's balance; exactly
	// one of them performed it
	created := 0
	for i := 0; i < workers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, int64(1000), balances[i])
		if outcomes[i] == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	var entries []model.LedgerEntry
	assert.NoError(t, svc.Repo().DB(ctx).Where("account_id = ?", 1).Find(&entries).Error)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), countEvents(t, svc.Repo(), "wallet.credited"))
}

func TestCredit_CachesBalanceAfterCommit(t *testing.T) {
	r, mock := newTestRepoWithCache(t)
	log, _ := logger.NewLogger()
	svc := NewWalletService(r, log)
	ctx := context.Background()

	mock.ExpectSet("balance:1", int64(1000), 5*time.Minute).SetVal("OK")
	bal, outcome, err := svc.Credit(ctx, 1, 1000, "c1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, int64(1000), bal)
	assert.NoError(t, mock.ExpectationsWereMet())

	// a replay returns the historical balance and leaves the cache alone
	_, outcome, err = svc.Credit(ctx, 1, 1000, "c1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}
