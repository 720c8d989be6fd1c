package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/metrics"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	verifier *middleware.TokenVerifier,
	startLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	// ─── 1. Test-taking Group (JWT) ────────────────────────────────────
	tests := router.Group("/api/v1/tests/:test_id")
	tests.Use(middleware.RequireJWT(verifier), middleware.NoStore(), middleware.Compress(middleware.DefaultQuality))
	{
		tests.POST("/session", startLimiter.Middleware(), handlers.Session.StartSession)
		tests.GET("/session", handlers.Session.GetSession)
		tests.POST("/session/answers", handlers.Session.SubmitAnswer)
		tests.POST("/session/submit", handlers.Session.Submit)
		tests.POST("/session/violations", handlers.Session.ReportViolation)
		tests.GET("/response", handlers.Session.GetResponse)
	}

	// ─── 2. WebSocket Group (query token) ──────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(verifier))
	{
		ws.GET("/tests/:test_id/stream", handlers.WS.SessionStream)
	}

	return router
}
