package service

import (
	"context"
	"encoding/json"

	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger entry reasons written by PaymentService.
const (
	reasonPaymentOut = "payment.out"
	reasonPaymentIn  = "payment.in"
)

// PaymentStatus values.
const PaymentSettled = "settled"

// PaymentService records settled charges: debit the driver wallet,
// credit the merchant, one transaction. Duplicate submissions are
// deduplicated by client token or by the processor's order id.
type PaymentService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewPaymentService returns PaymentService.
func NewPaymentService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *PaymentService {
	return &PaymentService{repo: r, log: logger}
}

// RecordPayment settles amountCents from the driver to the merchant. A
// replayed clientToken or externalOrderID returns the original payment
// with OutcomeAlreadyExists. repo.ErrInsufficientFunds aborts with no
// partial effect on either account.
func (s *PaymentService) RecordPayment(ctx context.Context, clientToken, externalOrderID string, driverAccountID, merchantAccountID uint64, amountCents int64) (*model.Payment, Outcome, error) {
	if amountCents <= 0 {
		return nil, OutcomeCreated, ErrInvalidAmount
	}
	var payment *model.Payment
	outcome := OutcomeCreated
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			prior, err := s.paymentByEitherKey(ctx, tx, clientToken, externalOrderID)
			if err != nil {
				return err
			}
			if prior != nil {
				payment = prior
				outcome = OutcomeAlreadyExists
				return nil
			}
			fresh := &model.Payment{
				ClientToken:       causalRef(clientToken),
				ExternalOrderID:   causalRef(externalOrderID),
				DriverAccountID:   driverAccountID,
				MerchantAccountID: merchantAccountID,
				AmountCents:       amountCents,
				Status:            PaymentSettled,
			}
			if err := s.repo.CreatePayment(ctx, tx, fresh); err != nil {
				return err
			}
			refStr := "payment:" + clientToken
			if clientToken == "" {
				refStr = "payment:order:" + externalOrderID
			}
			var ref *string
			if clientToken != "" || externalOrderID != "" {
				ref = &refStr
			}
			// shared causal ref ties the two entries to this payment
			if _, _, err := s.repo.ApplyPair(ctx, tx, driverAccountID, merchantAccountID,
				amountCents, reasonPaymentOut, reasonPaymentIn, ref); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"payment_id":          fresh.ID,
				"client_token":        clientToken,
				"external_order_id":   externalOrderID,
				"driver_account_id":   driverAccountID,
				"merchant_account_id": merchantAccountID,
				"amount_cents":        amountCents,
			})
			if err := s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
				EventType: "payment.recorded",
				Payload:   string(payload),
			}); err != nil {
				return err
			}
			payment = fresh
			return nil
		})
	})
	if err == nil {
		return payment, outcome, nil
	}
	if repo.IsDuplicateKey(err) {
		if prior, ferr := s.paymentByEitherKey(ctx, s.repo.DB(ctx), clientToken, externalOrderID); ferr == nil && prior != nil {
			return prior, OutcomeAlreadyExists, nil
		}
	}
	return nil, OutcomeCreated, err
}

func (s *PaymentService) paymentByEitherKey(ctx context.Context, tx *gorm.DB, clientToken, externalOrderID string) (*model.Payment, error) {
	if p, err := s.repo.PaymentByToken(ctx, tx, clientToken); err != nil || p != nil {
		return p, err
	}
	return s.repo.PaymentByExternalOrder(ctx, tx, externalOrderID)
}
