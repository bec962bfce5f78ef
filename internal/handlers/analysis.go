package handlers

import (
	"github.com/Ranganathan-J/efsilonquest/internal/middleware"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/pkg/response"
	"github.com/gin-gonic/gin"
)

type AnalysisHandler struct {
	analysis *services.AnalysisService
	pipeline *services.Pipeline
}

func NewAnalysisHandler(analysis *services.AnalysisService, p *services.Pipeline) *AnalysisHandler {
	return &AnalysisHandler{analysis: analysis, pipeline: p}
}

// ListAnnotations GET /api/analysis/annotations
func (h *AnalysisHandler) ListAnnotations(c *gin.Context) {
	var req services.AnnotationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.analysis.List(middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Paginated(c, resp.Total, resp.Page, resp.PageSize, resp.Items)
}

// GetAnnotation GET /api/analysis/annotations/:id
func (h *AnalysisHandler) GetAnnotation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	view, err := h.analysis.Get(middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, view)
}

// SentimentStats GET /api/analysis/sentiment-stats
func (h *AnalysisHandler) SentimentStats(c *gin.Context) {
	var req services.SentimentStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	stats, err := h.analysis.SentimentStats(c.Request.Context(), middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// ReprocessFailed queues the reset of every failed item. Admin only.
// POST /api/analysis/reprocess-failed
func (h *AnalysisHandler) ReprocessFailed(c *gin.Context) {
	taskID, err := h.pipeline.EnqueueReprocessFailed(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Accepted(c, gin.H{"message": "reprocessing of failed feedbacks queued", "task_id": taskID})
}
