package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/handler"
	"github.com/proctorly/attempt-engine/internal/middleware"
	"github.com/proctorly/attempt-engine/internal/response"
	"github.com/proctorly/attempt-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	Risk    *handler.RiskHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

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

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Telemetry arrives in bursts; budget well above honest client volume.
	telemetryLimiter := middleware.NewRateLimiter(120, time.Minute)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.POST("/attempts", handlers.Attempt.Start)
		studentAPI.GET("/attempts/:attempt_id", handlers.Attempt.GetState)
		studentAPI.POST("/attempts/:attempt_id/answers", handlers.Attempt.Sync)
		studentAPI.POST("/attempts/:attempt_id/pause", handlers.Attempt.Pause)
		studentAPI.POST("/attempts/:attempt_id/resume", handlers.Attempt.Resume)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.Submit)
		studentAPI.GET("/attempts/:attempt_id/result", handlers.Attempt.GetResult)

		studentAPI.POST("/attempts/:attempt_id/events",
			telemetryLimiter.Middleware(),
			handlers.Risk.IngestTelemetry,
		)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Reviewer Group (JWT) ───────────────────────────────────────
	reviewerAPI := router.Group("/api/v1/review")
	reviewerAPI.Use(middleware.RequireReviewerJWT(authService))
	{
		reviewerAPI.GET("/attempts/:attempt_id/risk", handlers.Risk.GetRiskProfile)
		reviewerAPI.GET("/attempts/:attempt_id/events", handlers.Risk.ListEvents)
		reviewerAPI.POST("/attempts/:attempt_id/risk/review", handlers.Risk.Review)
	}

	return router
}
