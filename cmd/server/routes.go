package main

import (
	"github.com/Ranganathan-J/efsilonquest/internal/handlers"
	"github.com/Ranganathan-J/efsilonquest/internal/middleware"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine and returns
// the rate limiters so shutdown can stop their cleanup goroutines.
func registerRoutes(r *gin.Engine, svc *appServices) []*middleware.RateLimiter {
	cfg := svc.cfg
	db := models.GetDB()

	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(cfg.Server.CORSOrigins...))

	uploadLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	loginLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	r.GET("/health", handlers.NewHealthHandler(db, svc.cache, svc.pipeline).CheckHealth)

	authHandler := handlers.NewAuthHandler(db, cfg)
	userHandler := handlers.NewUserHandler(db)
	entityHandler := handlers.NewEntityHandler(svc.entities)
	feedbackHandler := handlers.NewFeedbackHandler(svc.feedbacks, svc.uploads)
	analysisHandler := handlers.NewAnalysisHandler(svc.analysis, svc.pipeline)
	systemLogHandler := handlers.NewSystemLogHandler(db, cfg.Pipeline.LogRetentionDays)
	metricsHandler := handlers.NewMetricsHandler(db, svc.pipeline)

	api := r.Group("/api")
	{
		// Auth routes (public)
		users := api.Group("/users")
		{
			users.POST("/register", loginLimiter.Middleware(), authHandler.Register)
			users.POST("/login", loginLimiter.Middleware(), authHandler.Login)
			users.POST("/token/refresh", authHandler.Refresh)
		}

		// SSE (public route with internal token validation)
		sseHandler := handlers.NewSSEHandler(svc.pipeline.Hub, svc.entities)
		api.GET("/events/feedbacks", sseHandler.StreamFeedbackEvents)

		// Own account, open to viewers too
		account := api.Group("/users", middleware.AuthRequired(), middleware.AuditLog())
		{
			account.GET("/profile", authHandler.Profile)
			account.PATCH("/profile", authHandler.UpdateProfile)
			account.POST("/logout", authHandler.Logout)
			account.POST("/change-password", authHandler.ChangePassword)
		}

		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), middleware.WriteAccess(), middleware.AuditLog())
		{
			// Entities
			protected.GET("/entities", entityHandler.List)
			protected.POST("/entities", entityHandler.Create)
			protected.GET("/entities/:id", entityHandler.Get)
			protected.PATCH("/entities/:id", entityHandler.Update)
			protected.DELETE("/entities/:id", entityHandler.Delete)
			protected.GET("/entities/:id/statistics", entityHandler.Statistics)

			// Feedbacks
			protected.GET("/feedbacks", feedbackHandler.List)
			protected.POST("/feedbacks", feedbackHandler.Create)
			protected.POST("/feedbacks/bulk", feedbackHandler.CreateBulk)
			protected.POST("/feedbacks/upload", uploadLimiter.Middleware(), feedbackHandler.Upload)
			protected.GET("/feedbacks/statistics", feedbackHandler.Statistics)
			protected.GET("/feedbacks/:id", feedbackHandler.Get)
			protected.PATCH("/feedbacks/:id", feedbackHandler.Update)
			protected.DELETE("/feedbacks/:id", feedbackHandler.Delete)
			protected.POST("/feedbacks/:id/reprocess", feedbackHandler.Reprocess)
			protected.GET("/uploads/:id", feedbackHandler.GetUpload)

			// Analysis
			protected.GET("/analysis/annotations", analysisHandler.ListAnnotations)
			protected.GET("/analysis/annotations/:id", analysisHandler.GetAnnotation)
			protected.GET("/analysis/sentiment-stats", analysisHandler.SentimentStats)

			// Admin only
			admin := protected.Group("", middleware.AdminRequired())
			{
				admin.POST("/analysis/reprocess-failed", analysisHandler.ReprocessFailed)

				admin.GET("/users", userHandler.List)
				admin.PATCH("/users/:id", userHandler.Update)
				admin.DELETE("/users/:id", userHandler.Delete)

				admin.GET("/system-logs", systemLogHandler.List)
				admin.GET("/system-logs/modules", systemLogHandler.GetModules)
				admin.POST("/system-logs/cleanup", systemLogHandler.Cleanup)

				admin.GET("/admin/metrics", metricsHandler.Metrics)
			}
		}
	}

	return []*middleware.RateLimiter{uploadLimiter, loginLimiter}
}
