// Package relay drains the event outbox: it leases batches of
// undelivered events, pushes them to the downstream consumer and marks
// them processed. Delivery is at-least-once; an event is never dropped.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"go.uber.org/zap"
)

// Store is the slice of the repository the relay needs.
type Store interface {
	ClaimOutboxBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	FailOutboxEvent(ctx context.Context, id uint64, deliveryErr string, nextAttemptAt time.Time) error
	OutboxStats(ctx context.Context) (repo.OutboxStats, error)
	CountStuckOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Deliverer pushes one event downstream. Implementations must treat the
// context deadline as the delivery timeout; consumers have to tolerate
// duplicate and out-of-order delivery.
type Deliverer interface {
	Deliver(ctx context.Context, evt model.OutboxEvent) error
}

// Config tunes the relay loop.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	LeaseTTL       time.Duration
	DeliverTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StuckThreshold time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = time.Hour
	}
}

// Relay is one relay instance. Multiple instances may run against the
// same store; the lease keeps them off each other's batches while it
// holds.
type Relay struct {
	store      Store
	deliverer  Deliverer
	cfg        Config
	instanceID string
	log        *zap.SugaredLogger
}

// New returns a Relay. instanceID identifies this instance in leases.
func New(store Store, deliverer Deliverer, cfg Config, instanceID string, logger *zap.SugaredLogger) *Relay {
	cfg.fillDefaults()
	return &Relay{store: store, deliverer: deliverer, cfg: cfg, instanceID: instanceID, log: logger}
}

// Run loops until ctx is done. A cycle error is logged and retried on
// the next tick; the relay is fail-safe, never fail-open.
func (w *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	statsEvery := time.NewTicker(10 * w.cfg.Interval)
	defer statsEvery.Stop()

	w.log.Infow("relay started", "instance", w.instanceID)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("relay stopped", "instance", w.instanceID)
			return
		case <-statsEvery.C:
			w.reportStats(ctx)
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				w.log.Errorw("relay cycle", "instance", w.instanceID, "err", err)
			}
		}
	}
}

// Cycle claims one batch and works through it in insertion order. A
// delivery failure backs the event off and moves on; a store failure
// aborts the cycle so the next tick retries from a clean read.
func (w *Relay) Cycle(ctx context.Context) error {
	evts, err := w.store.ClaimOutboxBatch(ctx, w.instanceID, w.cfg.BatchSize, w.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	for _, evt := range evts {
		if err := w.deliverOne(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (w *Relay) deliverOne(ctx context.Context, evt model.OutboxEvent) error {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	err := w.deliverer.Deliver(dctx, evt)
	cancel()
	if err != nil {
		w.log.Warnw("delivery failed", "event", evt.ID, "type", evt.EventType, "attempts", evt.Attempts+1, "err", err)
		next := time.Now().Add(w.backoff(evt.Attempts))
		if ferr := w.store.FailOutboxEvent(ctx, evt.ID, err.Error(), next); ferr != nil {
			return fmt.Errorf("record failure for event %d: %w", evt.ID, ferr)
		}
		return nil
	}
	if err := w.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
		// the event stays pending and will be redelivered; consumers
		// already tolerate duplicates
		return fmt.Errorf("mark processed %d: %w", evt.ID, err)
	}
	return nil
}

// backoff grows exponentially with the attempts already made, capped at
// MaxBackoff.
func (w *Relay) backoff(attempts int) time.Duration {
	d := w.cfg.InitialBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

// Stats reports the undelivered backlog plus how many events have been
// stuck past the threshold, for external monitoring.
func (w *Relay) Stats(ctx context.Context) (repo.OutboxStats, int64, error) {
	stats, err := w.store.OutboxStats(ctx)
	if err != nil {
		return repo.OutboxStats{}, 0, err
	}
	stuck, err := w.store.CountStuckOutbox(ctx, w.cfg.StuckThreshold)
	if err != nil {
		return repo.OutboxStats{}, 0, err
	}
	return stats, stuck, nil
}

func (w *Relay) reportStats(ctx context.Context) {
	stats, stuck, err := w.Stats(ctx)
	if err != nil {
		w.log.Errorw("outbox stats", "err", err)
		return
	}
	w.log.Infow("outbox backlog",
		"unprocessed", stats.Unprocessed,
		"oldest_age", stats.OldestAge,
		"stuck", stuck)
}
