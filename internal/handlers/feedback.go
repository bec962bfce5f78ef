package handlers

import (
	"strconv"

	"github.com/Ranganathan-J/efsilonquest/internal/middleware"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/pkg/response"
	"github.com/gin-gonic/gin"
)

type FeedbackHandler struct {
	feedbacks *services.FeedbackService
	uploads   *services.UploadService
}

func NewFeedbackHandler(feedbacks *services.FeedbackService, uploads *services.UploadService) *FeedbackHandler {
	return &FeedbackHandler{feedbacks: feedbacks, uploads: uploads}
}

// Create stores one item and submits it for processing.
// POST /api/feedbacks
func (h *FeedbackHandler) Create(c *gin.Context) {
	var req services.CreateFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	fb, taskID, err := h.feedbacks.Create(c.Request.Context(), middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, gin.H{"feedback": fb, "task_id": taskID})
}

// CreateBulk POST /api/feedbacks/bulk
func (h *FeedbackHandler) CreateBulk(c *gin.Context) {
	var req services.BulkFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.feedbacks.CreateBulk(c.Request.Context(), middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, res)
}

// Upload imports a CSV, XLSX or JSON file sent as multipart field "file".
// POST /api/feedbacks/upload
func (h *FeedbackHandler) Upload(c *gin.Context) {
	entityID, err := strconv.ParseUint(c.PostForm("entity_id"), 10, 32)
	if err != nil || entityID == 0 {
		response.BadRequest(c, "entity_id is required")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer file.Close()

	batch, err := h.uploads.Upload(c.Request.Context(), middleware.CurrentActor(c), uint(entityID), header.Filename, file)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, batch)
}

// GetUpload GET /api/uploads/:id
func (h *FeedbackHandler) GetUpload(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	batch, err := h.uploads.Get(middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, batch)
}

// List GET /api/feedbacks
func (h *FeedbackHandler) List(c *gin.Context) {
	var req services.FeedbackListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.feedbacks.List(middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Paginated(c, resp.Total, resp.Page, resp.PageSize, resp.Items)
}

// Get GET /api/feedbacks/:id
func (h *FeedbackHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	fb, err := h.feedbacks.Get(c.Request.Context(), middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, fb)
}

// Update PATCH /api/feedbacks/:id
func (h *FeedbackHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	fb, err := h.feedbacks.Update(c.Request.Context(), middleware.CurrentActor(c), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, fb)
}

// Delete DELETE /api/feedbacks/:id
func (h *FeedbackHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.feedbacks.Delete(c.Request.Context(), middleware.CurrentActor(c), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "feedback deleted"})
}

// Reprocess resets a failed or processed item and submits it again.
// POST /api/feedbacks/:id/reprocess
func (h *FeedbackHandler) Reprocess(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	taskID, err := h.feedbacks.Reprocess(c.Request.Context(), middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Accepted(c, gin.H{"message": "feedback queued for processing", "task_id": taskID})
}

// Statistics GET /api/feedbacks/statistics
func (h *FeedbackHandler) Statistics(c *gin.Context) {
	var entityID uint64
	if v := c.Query("entity_id"); v != "" {
		var err error
		if entityID, err = strconv.ParseUint(v, 10, 32); err != nil {
			response.BadRequest(c, "invalid entity_id")
			return
		}
	}

	stats, err := h.feedbacks.Statistics(c.Request.Context(), middleware.CurrentActor(c), uint(entityID))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}
