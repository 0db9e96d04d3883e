package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger entry reasons written by RedemptionService.
const (
	reasonCodeFund   = "code.fund"
	reasonCodePayout = "code.payout"
)

// RedemptionService mints and redeems merchant offer codes. A redemption
// moves the code value from the program funding account to the merchant:
// both entries, the redeemed flag and the outbox event commit in one
// transaction or not at all.
type RedemptionService struct {
	repo             repo.RepositoryInterface
	programAccountID uint64
	log              *zap.SugaredLogger
}

// NewRedemptionService returns RedemptionService. programAccountID is
// the funding account debited on every redemption.
func NewRedemptionService(r repo.RepositoryInterface, programAccountID uint64, logger *zap.SugaredLogger) *RedemptionService {
	return &RedemptionService{repo: r, programAccountID: programAccountID, log: logger}
}

// MintCode creates an unguessable code worth valueCents for the
// merchant, valid for ttl.
func (s *RedemptionService) MintCode(ctx context.Context, merchantAccountID uint64, valueCents int64, ttl time.Duration) (*model.RedeemableCode, error) {
	if valueCents <= 0 {
		return nil, ErrInvalidAmount
	}
	var code *model.RedeemableCode
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.repo.GetAccount(ctx, tx, merchantAccountID); err != nil {
				return err
			}
			fresh := &model.RedeemableCode{
				Code:              uuid.NewString(),
				MerchantAccountID: merchantAccountID,
				ValueCents:        valueCents,
				ExpiresAt:         time.Now().Add(ttl),
			}
			if err := s.repo.CreateCode(ctx, tx, fresh); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"code":                fresh.Code,
				"merchant_account_id": merchantAccountID,
				"value_cents":         valueCents,
				"expires_at":          fresh.ExpiresAt,
			})
			if err := s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
				EventType: "code.minted",
				Payload:   string(payload),
			}); err != nil {
				return err
			}
			code = fresh
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// Redeem redeems a code for redeemedBy and credits the merchant. At most
// one concurrent redeemer succeeds; the rest observe
// repo.ErrAlreadyRedeemed thanks to the conditional update on
// redeemed_at. An expired code fails ErrExpired and its redeemed_at
// stays null. Returns the merchant's new balance.
func (s *RedemptionService) Redeem(ctx context.Context, code, redeemedBy string) (int64, error) {
	var merchantBal int64
	var merchantID uint64
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			c, err := s.repo.GetCode(ctx, tx, code)
			if err != nil {
				return err
			}
			if c.RedeemedAt != nil {
				return repo.ErrAlreadyRedeemed
			}
			if !time.Now().Before(c.ExpiresAt) {
				return ErrExpired
			}
			if err := s.repo.RedeemCode(ctx, tx, code, redeemedBy); err != nil {
				return err
			}
			ref := "code:" + code
			_, creditBal, err := s.repo.ApplyPair(ctx, tx, s.programAccountID, c.MerchantAccountID,
				c.ValueCents, reasonCodeFund, reasonCodePayout, &ref)
			if err != nil {
				return fmt.Errorf("redeem %s: %w", code, err)
			}
			merchantBal = creditBal
			merchantID = c.MerchantAccountID
			payload, _ := json.Marshal(map[string]interface{}{
				"code":                code,
				"merchant_account_id": c.MerchantAccountID,
				"value_cents":         c.ValueCents,
				"redeemed_by":         redeemedBy,
			})
			return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
				EventType: "code.redeemed",
				Payload:   string(payload),
			})
		})
	})
	if err != nil {
		return 0, err
	}
	// Cache only after commit; a write inside the closure would outlive
	// a rollback.
	if err := s.repo.CacheBalance(ctx, merchantID, merchantBal); err != nil {
		s.log.Warnf("cache balance %d: %v", merchantID, err)
	}
	return merchantBal, nil
}
