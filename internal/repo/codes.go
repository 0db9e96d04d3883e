package repo

import (
	"context"
	"errors"
	"time"

	"github.com/voltpass/rewards-service/internal/model"
	"gorm.io/gorm"
)

// CreateCode inserts a redeemable code.
func (r *Repository) CreateCode(ctx context.Context, tx *gorm.DB, c *model.RedeemableCode) error {
	return tx.WithContext(ctx).Create(c).Error
}

// GetCode fetches a code row by its code string.
func (r *Repository) GetCode(ctx context.Context, tx *gorm.DB, code string) (*model.RedeemableCode, error) {
	var c model.RedeemableCode
	if err := tx.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// RedeemCode marks the code redeemed, guarded by redeemed_at IS NULL.
// Zero affected rows means a concurrent redeemer won; that is
// ErrAlreadyRedeemed, not a storage error.
func (r *Repository) RedeemCode(ctx context.Context, tx *gorm.DB, code, redeemedBy string) error {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&model.RedeemableCode{}).
		Where("code = ? AND redeemed_at IS NULL", code).
		Updates(map[string]interface{}{
			"redeemed_at": &now,
			"redeemed_by": redeemedBy,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}
