package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/voltpass/rewards-service/internal/logger"
	"github.com/voltpass/rewards-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.LedgerAccount{}, &model.LedgerEntry{}, &model.OutboxEvent{},
		&model.RedeemableCode{}, &model.ChargingSession{}, &model.Payment{},
	))
	return NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger())), db
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func ref(s string) *string { return &s }

func TestApplyEntry_NonNegativeBalance(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	db.Create(&model.LedgerAccount{ID: 1, OwnerType: model.OwnerDriver, OwnerID: "1", Balance: 500})

	err := db.Transaction(func(tx *gorm.DB) error {
		bal, err := r.ApplyEntry(ctx, tx, 1, -400, "wallet.debit", ref("d1"))
		assert.NoError(t, err)
		assert.Equal(t, int64(100), bal)
		return nil
	})
	assert.NoError(t, err)

	// second debit would overdraw; nothing is written
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := r.ApplyEntry(ctx, tx, 1, -400, "wallet.debit", ref("d2"))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var final model.LedgerAccount
	assert.NoError(t, db.First(&final, 1).Error)
	assert.Equal(t, int64(100), final.Balance)

	var entries []model.LedgerEntry
	assert.NoError(t, db.Where("account_id = ?", 1).Find(&entries).Error)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(-400), entries[0].Delta)

	var sum int64
	assert.NoError(t, db.Model(&model.LedgerEntry{}).
		Where("account_id = ?", 1).
		Select("COALESCE(SUM(delta), 0)").Scan(&sum).Error)
	assert.Equal(t, final.Balance, sum+500)
}

func TestApplyEntry_MissingAccount(t *testing.T) {
	r, db := newTestRepo(t)
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := r.ApplyEntry(context.Background(), tx, 99, 100, "wallet.credit", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyEntry_DuplicateCausalRefRollsBack(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	db.Create(&model.LedgerAccount{ID: 1, OwnerType: model.OwnerDriver, OwnerID: "1", Balance: 0})

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := r.ApplyEntry(ctx, tx, 1, 100, "wallet.credit", ref("k1"))
		return err
	})
	assert.NoError(t, err)

	// same key again: the entry insert loses on the unique index and the
	// balance update rolls back with it
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := r.ApplyEntry(ctx, tx, 1, 100, "wallet.credit", ref("k1"))
		return err
	})
	assert.True(t, IsDuplicateKey(err), "want duplicate key, got %v", err)

	var final model.LedgerAccount
	assert.NoError(t, db.First(&final, 1).Error)
	assert.Equal(t, int64(100), final.Balance)

	var n int64
	assert.NoError(t, db.Model(&model.LedgerEntry{}).Where("account_id = ?", 1).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApplyPair_AtomicAcrossAccounts(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	db.Create(&model.LedgerAccount{ID: 1, OwnerType: model.OwnerDriver, OwnerID: "1", Balance: 300})
	db.Create(&model.LedgerAccount{ID: 2, OwnerType: model.OwnerMerchant, OwnerID: "m", Balance: 0})

	err := db.Transaction(func(tx *gorm.DB) error {
		debitBal, creditBal, err := r.ApplyPair(ctx, tx, 1, 2, 200, "payment.out", "payment.in", ref("p1"))
		assert.NoError(t, err)
		assert.Equal(t, int64(100), debitBal)
		assert.Equal(t, int64(200), creditBal)
		return err
	})
	assert.NoError(t, err)

	// an overdrawing pair leaves neither side applied
	err = db.Transaction(func(tx *gorm.DB) error {
		_, _, err := r.ApplyPair(ctx, tx, 1, 2, 500, "payment.out", "payment.in", ref("p2"))
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var driver, merchant model.LedgerAccount
	assert.NoError(t, db.First(&driver, 1).Error)
	assert.NoError(t, db.First(&merchant, 2).Error)
	assert.Equal(t, int64(100), driver.Balance)
	assert.Equal(t, int64(200), merchant.Balance)
}

func TestApplyEntry_ConcurrentDebits(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	db.Create(&model.LedgerAccount{ID: 1, OwnerType: model.OwnerDriver, OwnerID: "1", Balance: 500})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("conc-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.Transaction(func(tx *gorm.DB) error {
				_, err := r.ApplyEntry(ctx, tx, 1, -400, "wallet.debit", ref(key))
				return err
			})
		}()
	}
	wg.Wait()

	// whatever interleaving happened, the invariants hold: balance never
	// negative, entries sum to the balance, at most one debit landed
	var final model.LedgerAccount
	assert.NoError(t, db.First(&final, 1).Error)
	assert.GreaterOrEqual(t, final.Balance, int64(0))

	var entries []model.LedgerEntry
	assert.NoError(t, db.Where("account_id = ?", 1).Find(&entries).Error)
	assert.LessOrEqual(t, len(entries), 1)

	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	assert.Equal(t, final.Balance, 500+sum)
}
