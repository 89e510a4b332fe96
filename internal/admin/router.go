package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"a2a/internal/config"
	"a2a/pkg/middleware"
	"a2a/pkg/ratelimit"
	"a2a/pkg/tracing"
)

// NewRouter builds the admin engine with the standard middleware chain. A nil
// limiter disables rate limiting.
func NewRouter(h *Handler, cfg *config.Config, limiter *ratelimit.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(cfg.Tracing.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(h.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(h.Logger))

	if limiter != nil {
		router.Use(limiter.Middleware())
	}

	h.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
