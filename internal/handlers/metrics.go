package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

// MetricsHandler exposes gauges in the Prometheus text format.
type MetricsHandler struct {
	db       *gorm.DB
	pipeline *services.Pipeline
}

func NewMetricsHandler(db *gorm.DB, p *services.Pipeline) *MetricsHandler {
	return &MetricsHandler{db: db, pipeline: p}
}

// GET /api/admin/metrics
func (h *MetricsHandler) Metrics(c *gin.Context) {
	var b strings.Builder
	ctx := c.Request.Context()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeGauge(&b, "efsilonquest_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "efsilonquest_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "efsilonquest_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))
	writeGauge(&b, "efsilonquest_memory_sys_bytes", "Total memory obtained from OS in bytes", float64(m.Sys))
	writeGauge(&b, "efsilonquest_gc_runs_total", "Total number of GC runs", float64(m.NumGC))

	if sqlDB, err := h.db.DB(); err == nil {
		stats := sqlDB.Stats()
		writeGauge(&b, "efsilonquest_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
		writeGauge(&b, "efsilonquest_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
		writeGauge(&b, "efsilonquest_db_idle_connections", "Number of idle DB connections", float64(stats.Idle))
	}

	writeGauge(&b, "efsilonquest_sse_active_clients", "Number of active SSE connections", float64(h.pipeline.Hub.ClientCount()))

	queueAsync := 0.0
	if h.pipeline.Queue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "efsilonquest_queue_async_enabled", "Whether async queue (Redis) is enabled (1=yes, 0=no)", queueAsync)
	if pending := h.pipeline.Pending(); pending >= 0 {
		writeGauge(&b, "efsilonquest_queue_pending_tasks", "Tasks queued or running in-process", float64(pending))
	}

	type statusCount struct {
		Status models.FeedbackStatus
		Count  int64
	}
	var rows []statusCount
	h.db.WithContext(ctx).Model(&models.Feedback{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows)
	counts := make(map[models.FeedbackStatus]int64, len(rows))
	var total int64
	for _, r := range rows {
		counts[r.Status] = r.Count
		total += r.Count
	}
	writeGauge(&b, "efsilonquest_feedbacks_total", "Total number of feedback items", float64(total))
	for _, s := range []models.FeedbackStatus{models.StatusNew, models.StatusProcessing, models.StatusProcessed, models.StatusFailed} {
		name := "efsilonquest_feedbacks_" + string(s)
		writeGauge(&b, name, "Feedback items with status "+string(s), float64(counts[s]))
	}

	var annotations, entities, users int64
	h.db.WithContext(ctx).Model(&models.Annotation{}).Count(&annotations)
	h.db.WithContext(ctx).Model(&models.BusinessEntity{}).Where("is_active = ?", true).Count(&entities)
	h.db.WithContext(ctx).Model(&models.User{}).Where("is_active = ?", true).Count(&users)
	writeGauge(&b, "efsilonquest_annotations_total", "Total number of annotations", float64(annotations))
	writeGauge(&b, "efsilonquest_entities_active", "Number of active business entities", float64(entities))
	writeGauge(&b, "efsilonquest_users_active", "Number of active users", float64(users))

	since24h := time.Now().Add(-24 * time.Hour)
	var processed24h int64
	h.db.WithContext(ctx).Model(&models.Feedback{}).Where("processed_at >= ?", since24h).Count(&processed24h)
	writeGauge(&b, "efsilonquest_processed_24h", "Feedback items processed in the last 24 hours", float64(processed24h))

	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}
