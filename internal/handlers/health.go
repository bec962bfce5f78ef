package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/cache"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports the state of every subsystem.
type HealthHandler struct {
	db       *gorm.DB
	cache    cache.Cache
	pipeline *services.Pipeline
}

func NewHealthHandler(db *gorm.DB, c cache.Cache, p *services.Pipeline) *HealthHandler {
	return &HealthHandler{db: db, cache: c, pipeline: p}
}

// CheckHealth answers 503 when the database is unreachable. A broken cache
// only degrades the report.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	cacheStatus := "disabled"
	if h.cache != nil {
		cacheStatus = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			cacheStatus = "error: " + err.Error()
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	queueMode := "in-process"
	if h.pipeline.Queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var backlog int64
	h.db.WithContext(ctx).Model(&models.Feedback{}).
		Where("status IN ?", []models.FeedbackStatus{models.StatusNew, models.StatusProcessing}).
		Count(&backlog)

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "efsilonquest",
		"components": gin.H{
			"database":      dbStatus,
			"cache":         cacheStatus,
			"queue_mode":    queueMode,
			"queued_tasks":  h.pipeline.Pending(),
			"sse_clients":   h.pipeline.Hub.ClientCount(),
			"pending_items": backlog,
		},
	})
}
