package repo

import (
	"context"
	"errors"
	"time"

	"github.com/voltpass/rewards-service/internal/model"
	"gorm.io/gorm"
)

// CreateSession inserts a charging session. The unique indexes on
// IdempotencyKey and ActiveStationID do the guarding; callers translate
// the duplicate-key error.
func (r *Repository) CreateSession(ctx context.Context, tx *gorm.DB, s *model.ChargingSession) error {
	return tx.WithContext(ctx).Create(s).Error
}

// SessionByKey looks up a session by idempotency key. Returns (nil, nil)
// when the key has not been seen.
func (r *Repository) SessionByKey(ctx context.Context, tx *gorm.DB, key string) (*model.ChargingSession, error) {
	if key == "" {
		return nil, nil
	}
	var s model.ChargingSession
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&s).Error
	if err == nil {
		return &s, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// GetSession fetches a session by id.
func (r *Repository) GetSession(ctx context.Context, tx *gorm.DB, id uint64) (*model.ChargingSession, error) {
	var s model.ChargingSession
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// EndSession transitions an active session to ended and frees the
// station slot. Returns false when the session was already ended, which
// callers treat as an idempotent no-op.
func (r *Repository) EndSession(ctx context.Context, tx *gorm.DB, id uint64, endedAt time.Time) (bool, error) {
	res := tx.WithContext(ctx).Model(&model.ChargingSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{
			"status":            model.SessionEnded,
			"ended_at":          &endedAt,
			"active_station_id": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
