package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voltpass/rewards-service/internal/repo"
)

const (
	maxStorageAttempts  = 3
	storageRetryBackoff = 50 * time.Millisecond
)

// terminalErr reports whether retrying fn cannot change the outcome:
// business-rule rejections and key collisions stay as they are no
// matter how often the transaction is replayed.
func terminalErr(err error) bool {
	return errors.Is(err, repo.ErrInsufficientFunds) ||
		errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, repo.ErrAlreadyRedeemed) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrStationBusy) ||
		repo.IsDuplicateKey(err)
}

// withStorageRetry runs fn up to maxStorageAttempts times, doubling the
// delay between attempts. Terminal errors surface immediately; a
// failure that exhausts the budget is wrapped in
// repo.ErrStorageUnavailable so transport can map it apart from
// programming errors.
func withStorageRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxStorageAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageRetryBackoff << (attempt - 1)):
			}
		}
		err = fn()
		if err == nil || terminalErr(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", repo.ErrStorageUnavailable, err)
}
