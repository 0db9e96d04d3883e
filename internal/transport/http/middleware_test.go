package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/voltpass/rewards-service/internal/config"
	"github.com/voltpass/rewards-service/internal/repo"
	"github.com/voltpass/rewards-service/internal/service"
)

func TestRateLimitMiddleware_PerClientBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(config.RateLimitConfig{RPS: 1, Burst: 1}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:5000"))
	// a different client draws from its own bucket
	assert.Equal(t, http.StatusOK, get("10.0.0.2:5000"))
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repo.ErrNotFound, http.StatusNotFound},
		{repo.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{repo.ErrAlreadyRedeemed, http.StatusConflict},
		{service.ErrExpired, http.StatusConflict},
		{service.ErrStationBusy, http.StatusConflict},
		{service.ErrInvalidAmount, http.StatusBadRequest},
		{repo.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{errors.New("nil map write"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errorStatus(tc.err), "err %v", tc.err)
	}
}