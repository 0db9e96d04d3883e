package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/voltpass/rewards-service/internal/logger"
	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
)

func newPaymentService(t *testing.T) (*PaymentService, context.Context) {
	r := newTestRepo(t)
	ctx := context.Background()
	assert.NoError(t, r.DB(ctx).Create(&model.LedgerAccount{
		ID: 1, OwnerType: model.OwnerDriver, OwnerID: "1", Balance: 1000,
	}).Error)
	assert.NoError(t, r.DB(ctx).Create(&model.LedgerAccount{
		ID: 2, OwnerType: model.OwnerMerchant, OwnerID: "m-1", Balance: 0,
	}).Error)
	log, _ := logger.NewLogger()
	return NewPaymentService(r, log), ctx
}

func TestRecordPayment_DebitsAndCredits(t *testing.T) {
	svc, ctx := newPaymentService(t)

	p, outcome, err := svc.RecordPayment(ctx, "t1", "ord-1", 1, 2, 400)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, PaymentSettled, p.Status)

	var driver, merchant model.LedgerAccount
	assert.NoError(t, svc.repo.DB(ctx).First(&driver, 1).Error)
	assert.NoError(t, svc.repo.DB(ctx).First(&merchant, 2).Error)
	assert.Equal(t, int64(600), driver.Balance)
	assert.Equal(t, int64(400), merchant.Balance)

	var entries []model.LedgerEntry
	assert.NoError(t, svc.repo.DB(ctx).
		Where("causal_ref = ?", "payment:t1").Find(&entries).Error)
	assert.Len(t, entries, 2)

	assert.Equal(t, int64(1), countEvents(t, svc.repo, "payment.recorded"))
}

func TestRecordPayment_ReplayByClientToken(t *testing.T) {
	svc, ctx := newPaymentService(t)

	p1, _, err := svc.RecordPayment(ctx, "t1", "ord-1", 1, 2, 400)
	assert.NoError(t, err)

	// same token, even a different amount: original result comes back
	p2, outcome, err := svc.RecordPayment(ctx, "t1", "ord-2", 1, 2, 999)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, outcome)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, int64(400), p2.AmountCents)

	var driver model.LedgerAccount
	assert.NoError(t, svc.repo.DB(ctx).First(&driver, 1).Error)
	assert.Equal(t, int64(600), driver.Balance)
}

func TestRecordPayment_ReplayByExternalOrder(t *testing.T) {
	svc, ctx := newPaymentService(t)

	p1, _, err := svc.RecordPayment(ctx, "t1", "ord-1", 1, 2, 400)
	assert.NoError(t, err)

	p2, outcome, err := svc.RecordPayment(ctx, "t2", "ord-1", 1, 2, 400)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, outcome)
	assert.Equal(t, p1.ID, p2.ID)
}

func TestRecordPayment_InsufficientFundsRollsBack(t *testing.T) {
	svc, ctx := newPaymentService(t)

	_, _, err := svc.RecordPayment(ctx, "t1", "ord-1", 1, 2, 5000)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	// no partial effect: no payment row, balances untouched
	p, err := svc.repo.PaymentByToken(ctx, svc.repo.DB(ctx), "t1")
	assert.NoError(t, err)
	assert.Nil(t, p)

	var driver, merchant model.LedgerAccount
	assert.NoError(t, svc.repo.DB(ctx).First(&driver, 1).Error)
	assert.NoError(t, svc.repo.DB(ctx).First(&merchant, 2).Error)
	assert.Equal(t, int64(1000), driver.Balance)
	assert.Equal(t, int64(0), merchant.Balance)
}
