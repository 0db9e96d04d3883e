package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/voltpass/rewards-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when a debit would take an account
// balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNotFound is returned when the referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRedeemed is returned when the conditional redeem update
// matched zero rows because another redeemer got there first.
var ErrAlreadyRedeemed = errors.New("code already redeemed")

// ErrStorageUnavailable wraps a storage-level failure that outlived the
// service's retry budget. Transient and safe for the caller to retry.
var ErrStorageUnavailable = errors.New("storage unavailable")

// RepositoryInterface restricts Repo methods so services can be unit
// tested against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.LedgerAccount) error
	GetAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.LedgerAccount, error)
	ApplyEntry(ctx context.Context, tx *gorm.DB, accountID uint64, delta int64, reason string, causalRef *string) (int64, error)
	ApplyPair(ctx context.Context, tx *gorm.DB, debitID, creditID uint64, amount int64, debitReason, creditReason string, causalRef *string) (int64, int64, error)
	EntryByKey(ctx context.Context, tx *gorm.DB, accountID uint64, reason, causalRef string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID uint64, limit int, since time.Time) ([]model.LedgerEntry, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	ClaimOutboxBatch(ctx context.Context, instanceID string, limit int, leaseTTL time.Duration) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	FailOutboxEvent(ctx context.Context, id uint64, deliveryErr string, nextAttemptAt time.Time) error
	OutboxStats(ctx context.Context) (OutboxStats, error)
	CountStuckOutbox(ctx context.Context, olderThan time.Duration) (int64, error)

	CreateCode(ctx context.Context, tx *gorm.DB, c *model.RedeemableCode) error
	GetCode(ctx context.Context, tx *gorm.DB, code string) (*model.RedeemableCode, error)
	RedeemCode(ctx context.Context, tx *gorm.DB, code, redeemedBy string) error

	CreateSession(ctx context.Context, tx *gorm.DB, s *model.ChargingSession) error
	SessionByKey(ctx context.Context, tx *gorm.DB, key string) (*model.ChargingSession, error)
	GetSession(ctx context.Context, tx *gorm.DB, id uint64) (*model.ChargingSession, error)
	EndSession(ctx context.Context, tx *gorm.DB, id uint64, endedAt time.Time) (bool, error)

	CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error
	PaymentByToken(ctx context.Context, tx *gorm.DB, clientToken string) (*model.Payment, error)
	PaymentByExternalOrder(ctx context.Context, tx *gorm.DB, externalOrderID string) (*model.Payment, error)

	CacheBalance(ctx context.Context, accountID uint64, balance int64) error
	GetCachedBalance(ctx context.Context, accountID uint64) (int64, error)
}

// Repository implements RepositoryInterface over postgres (gorm), redis
// and a kafka writer.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB.
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// IsDuplicateKey reports whether err is a storage-level unique
// constraint violation. gorm translates these to ErrDuplicatedKey on
// postgres; the string checks cover drivers without a translator.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// CreateAccount inserts a ledger account. Conflicts are a no-op so a
// concurrent auto-create inside a transaction cannot abort it; callers
// that must know the account is fresh should read it back.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.LedgerAccount) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a).Error
}

// GetAccount fetches an account by id.
func (r *Repository) GetAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.LedgerAccount, error) {
	var a model.LedgerAccount
	if err := tx.WithContext(ctx).Where("id = ?", accountID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ApplyEntry applies delta to the account balance and appends the
// matching ledger entry, all inside the caller's transaction. The
// balance mutation is a single conditional update so that
// balance + delta >= 0 holds at every committed state regardless of
// concurrent appliers; zero affected rows means the account is missing
// or the debit would overdraw.
func (r *Repository) ApplyEntry(ctx context.Context, tx *gorm.DB, accountID uint64, delta int64, reason string, causalRef *string) (int64, error) {
	res := tx.WithContext(ctx).Model(&model.LedgerAccount{}).
		Where("id = ? AND balance + ? >= 0", accountID, delta).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("apply delta: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := tx.WithContext(ctx).Model(&model.LedgerAccount{}).Where("id = ?", accountID).Count(&n).Error; err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrNotFound
		}
		return 0, ErrInsufficientFunds
	}
	a, err := r.GetAccount(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	entry := &model.LedgerEntry{
		AccountID:    accountID,
		Delta:        delta,
		Reason:       reason,
		CausalRef:    causalRef,
		BalanceAfter: a.Balance,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, fmt.Errorf("create ledger entry: %w", err)
	}
	return a.Balance, nil
}

// ApplyPair debits one account and credits another as a single atomic
// unit inside the caller's transaction. Both entries share causalRef so
// the coupling is recoverable from the ledger alone. Accounts are
// touched in id order to keep concurrent pairs deadlock free.
func (r *Repository) ApplyPair(ctx context.Context, tx *gorm.DB, debitID, creditID uint64, amount int64, debitReason, creditReason string, causalRef *string) (int64, int64, error) {
	type side struct {
		id     uint64
		delta  int64
		reason string
	}
	sides := [2]side{
		{debitID, -amount, debitReason},
		{creditID, amount, creditReason},
	}
	if sides[1].id < sides[0].id {
		sides[0], sides[1] = sides[1], sides[0]
	}
	balances := map[uint64]int64{}
	for _, s := range sides {
		bal, err := r.ApplyEntry(ctx, tx, s.id, s.delta, s.reason, causalRef)
		if err != nil {
			return 0, 0, err
		}
		balances[s.id] = bal
	}
	return balances[debitID], balances[creditID], nil
}

// EntryByKey looks up the entry a prior run of the same operation would
// have written. Returns (nil, nil) when the key has not been seen.
func (r *Repository) EntryByKey(ctx context.Context, tx *gorm.DB, accountID uint64, reason, causalRef string) (*model.LedgerEntry, error) {
	if causalRef == "" {
		return nil, nil
	}
	var e model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("account_id = ? AND reason = ? AND causal_ref = ?", accountID, reason, causalRef).
		First(&e).Error
	if err == nil {
		return &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListEntries fetches recent entries for an account.
func (r *Repository) ListEntries(ctx context.Context, accountID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CacheBalance writes the balance to redis. Best effort; callers only
// warn on failure.
func (r *Repository) CacheBalance(ctx context.Context, accountID uint64, balance int64) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", accountID), balance, 5*time.Minute).Err()
}

// GetCachedBalance reads the balance from redis.
func (r *Repository) GetCachedBalance(ctx context.Context, accountID uint64) (int64, error) {
	return r.rdb.Get(ctx, fmt.Sprintf("balance:%d", accountID)).Int64()
}
