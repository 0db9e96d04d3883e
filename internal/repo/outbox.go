package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/voltpass/rewards-service/internal/model"
	"gorm.io/gorm"
)

// OutboxStats is the relay's monitoring surface.
type OutboxStats struct {
	Unprocessed int64
	OldestAge   time.Duration
}

// CreateOutboxEvent writes an event. It deliberately has no
// transaction-free variant: the event must commit or roll back together
// with the business mutation that produced it.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// ClaimOutboxBatch leases up to limit undelivered events to instanceID,
// in insertion order. Events already leased by a live instance or
// backing off after a failed delivery are skipped. The lease is a
// conditional update, so two instances never claim the same event while
// a lease is current; consumers still have to tolerate duplicates once
// a lease expires.
func (r *Repository) ClaimOutboxBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]model.OutboxEvent, error) {
	now := time.Now()
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("processed = ? AND (claimed_until IS NULL OR claimed_until < ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			false, now, now).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("select outbox candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND processed = ? AND (claimed_until IS NULL OR claimed_until < ?)", ids, false, now).
		Updates(map[string]interface{}{
			"claimed_by":    instanceID,
			"claimed_until": now.Add(leaseTTL),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", res.Error)
	}
	var evts []model.OutboxEvent
	err = r.db.WithContext(ctx).
		Where("id IN ? AND claimed_by = ? AND processed = ?", ids, instanceID, false).
		Order("id").
		Find(&evts).Error
	if err != nil {
		return nil, fmt.Errorf("load claimed batch: %w", err)
	}
	return evts, nil
}

// MarkOutboxProcessed sets the processed flag. Idempotent: a second call
// matches zero rows and leaves ProcessedAt untouched.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// FailOutboxEvent records a delivery failure: bumps the attempt count,
// schedules the retry and releases the lease so any instance can pick
// the event up once the backoff elapses.
func (r *Repository) FailOutboxEvent(ctx context.Context, id uint64, deliveryErr string, nextAttemptAt time.Time) error {
	if len(deliveryErr) > 512 {
		deliveryErr = deliveryErr[:512]
	}
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": &nextAttemptAt,
			"last_error":      deliveryErr,
			"claimed_by":      nil,
			"claimed_until":   nil,
		}).Error
}

// OutboxStats reports the undelivered backlog for monitoring.
func (r *Repository) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var stats OutboxStats
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("processed = ?", false).
		Count(&stats.Unprocessed).Error
	if err != nil {
		return OutboxStats{}, err
	}
	if stats.Unprocessed == 0 {
		return stats, nil
	}
	var oldest model.OutboxEvent
	err = r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id").
		First(&oldest).Error
	if err != nil {
		return OutboxStats{}, err
	}
	stats.OldestAge = time.Since(oldest.CreatedAt)
	return stats, nil
}

// CountStuckOutbox counts undelivered events older than the threshold,
// the operator's signal to inspect for a dead-letter move.
func (r *Repository) CountStuckOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("processed = ? AND created_at < ?", false, time.Now().Add(-olderThan)).
		Count(&n).Error
	return n, err
}

// Deliver publishes one event to kafka. Satisfies relay.Deliverer.
func (r *Repository) Deliver(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}
