package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/voltpass/rewards-service/internal/repo"
	"github.com/voltpass/rewards-service/internal/service"
)

// Services bundles everything the router exposes.
type Services struct {
	Wallet     *service.WalletService
	Redemption *service.RedemptionService
	Session    *service.SessionService
	Payment    *service.PaymentService
	Outbox     OutboxStats
}

// OutboxStats is the relay's monitoring surface, exposed read-only.
type OutboxStats interface {
	Stats(ctx context.Context) (repo.OutboxStats, int64, error)
}

// RegisterHandlers wires routes onto the engine.
func RegisterHandlers(r *gin.Engine, svcs Services) {
	v1 := r.Group("/v1")
	{
		v1.POST("/accounts/:id/credit", creditHandler(svcs.Wallet))
		v1.POST("/accounts/:id/debit", debitHandler(svcs.Wallet))
		v1.GET("/accounts/:id/balance", balanceHandler(svcs.Wallet))
		v1.GET("/accounts/:id/entries", entriesHandler(svcs.Wallet))
		v1.POST("/codes", mintCodeHandler(svcs.Redemption))
		v1.POST("/codes/:code/redeem", redeemHandler(svcs.Redemption))
		v1.POST("/sessions", startSessionHandler(svcs.Session))
		v1.POST("/sessions/:id/end", endSessionHandler(svcs.Session))
		v1.POST("/payments", paymentHandler(svcs.Payment))
		if svcs.Outbox != nil {
			v1.GET("/outbox/stats", outboxStatsHandler(svcs.Outbox))
		}
	}
}

// errorStatus maps the error taxonomy onto HTTP statuses. Anything
// unrecognized is a transient storage failure: 503, safe to retry.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repo.ErrAlreadyRedeemed),
		errors.Is(err, service.ErrExpired),
		errors.Is(err, service.ErrStationBusy):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// parseCents converts a decimal currency string to minor units.
func parseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, errors.New("amount has more than two decimal places")
	}
	return cents.IntPart(), nil
}

func renderCents(v int64) decimal.Decimal { return decimal.New(v, -2) }

type amountReq struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func creditHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		cents, err := parseCents(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		bal, outcome, err := svc.Credit(c, id, cents, req.IdempotencyKey)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":  renderCents(bal),
			"replayed": outcome == service.OutcomeAlreadyExists,
		})
	}
}

func debitHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		cents, err := parseCents(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		bal, outcome, err := svc.Debit(c, id, cents, req.IdempotencyKey)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":  renderCents(bal),
			"replayed": outcome == service.OutcomeAlreadyExists,
		})
	}
}

func balanceHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		bal, err := svc.GetBalance(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": renderCents(bal)})
	}
}

func entriesHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		entries, err := svc.GetEntries(c, id, limit, since)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type mintCodeReq struct {
	MerchantAccountID uint64 `json:"merchant_account_id" binding:"required"`
	Value             string `json:"value" binding:"required"`
	TTLHours          int    `json:"ttl_hours" binding:"required"`
}

func mintCodeHandler(svc *service.RedemptionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mintCodeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cents, err := parseCents(req.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
			return
		}
		code, err := svc.MintCode(c, req.MerchantAccountID, cents, time.Duration(req.TTLHours)*time.Hour)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code":       code.Code,
			"value":      renderCents(code.ValueCents),
			"expires_at": code.ExpiresAt,
		})
	}
}

type redeemReq struct {
	RedeemedBy string `json:"redeemed_by" binding:"required"`
}

func redeemHandler(svc *service.RedemptionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req redeemReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bal, err := svc.Redeem(c, c.Param("code"), req.RedeemedBy)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"merchant_balance": renderCents(bal)})
	}
}

type startSessionReq struct {
	StationID       string `json:"station_id" binding:"required"`
	DriverAccountID uint64 `json:"driver_account_id" binding:"required"`
	IdempotencyKey  string `json:"idempotency_key" binding:"required"`
}

func startSessionHandler(svc *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startSessionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		session, outcome, err := svc.StartSession(c, req.IdempotencyKey, req.StationID, req.DriverAccountID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": session.ID,
			"status":     session.Status,
			"replayed":   outcome == service.OutcomeAlreadyExists,
		})
	}
}

func endSessionHandler(svc *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		session, outcome, err := svc.EndSession(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": session.ID,
			"status":     session.Status,
			"replayed":   outcome == service.OutcomeAlreadyExists,
		})
	}
}

type paymentReq struct {
	ClientToken       string `json:"client_token" binding:"required"`
	ExternalOrderID   string `json:"external_order_id"`
	DriverAccountID   uint64 `json:"driver_account_id" binding:"required"`
	MerchantAccountID uint64 `json:"merchant_account_id" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
}

func paymentHandler(svc *service.PaymentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cents, err := parseCents(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		p, outcome, err := svc.RecordPayment(c, req.ClientToken, req.ExternalOrderID,
			req.DriverAccountID, req.MerchantAccountID, cents)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"payment_id": p.ID,
			"status":     p.Status,
			"amount":     renderCents(p.AmountCents),
			"replayed":   outcome == service.OutcomeAlreadyExists,
		})
	}
}

func outboxStatsHandler(stats OutboxStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, stuck, err := stats.Stats(c)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"unprocessed":        s.Unprocessed,
			"oldest_age_seconds": s.OldestAge.Seconds(),
			"stuck":              stuck,
		})
	}
}
