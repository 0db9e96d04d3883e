package http

import (
	"github.com/gin-gonic/gin"
	"github.com/voltpass/rewards-service/internal/config"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with logging and rate limiting.
func NewRouter(svcs Services, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl))
	RegisterHandlers(r, svcs)
	return r
}
