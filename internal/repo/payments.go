package repo

import (
	"context"
	"errors"

	"github.com/voltpass/rewards-service/internal/model"
	"gorm.io/gorm"
)

// CreatePayment inserts a payment row. Unique indexes on ClientToken and
// ExternalOrderID guard duplicate submissions.
func (r *Repository) CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error {
	return tx.WithContext(ctx).Create(p).Error
}

// PaymentByToken looks up a payment by client token. Returns (nil, nil)
// when the token has not been seen.
func (r *Repository) PaymentByToken(ctx context.Context, tx *gorm.DB, clientToken string) (*model.Payment, error) {
	if clientToken == "" {
		return nil, nil
	}
	var p model.Payment
	err := tx.WithContext(ctx).Where("client_token = ?", clientToken).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// PaymentByExternalOrder looks up a payment by the processor's order id.
func (r *Repository) PaymentByExternalOrder(ctx context.Context, tx *gorm.DB, externalOrderID string) (*model.Payment, error) {
	if externalOrderID == "" {
		return nil, nil
	}
	var p model.Payment
	err := tx.WithContext(ctx).Where("external_order_id = ?", externalOrderID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}
