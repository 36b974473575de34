package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/pkg/health"
	"rulecore/pkg/middleware"
	"rulecore/pkg/ratelimit"
	"rulecore/pkg/tracing"
)

// NewRouter builds the gin engine with the admin routes, /health, /metrics
// and the API browser under /swagger. The rate limiter's cleanup stops with ctx.
func NewRouter(ctx context.Context, cfg *config.Config, h *Handler, checks *health.CheckerRegistry, log logger.Logger) *gin.Engine {
	router := gin.New()

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())

	api := router.Group("")
	if rl := cfg.API.RateLimit; rl.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		}
		api.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig, ratelimit.TenantOrIP))
		log.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}
	h.RegisterRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		result := checks.Check(c.Request.Context())
		statusCode := http.StatusOK
		if result.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, result)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return router
}
