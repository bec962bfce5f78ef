package handlers

import (
	"github.com/Ranganathan-J/efsilonquest/internal/middleware"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/pkg/response"
	"github.com/gin-gonic/gin"
)

type EntityHandler struct {
	entities *services.EntityService
}

func NewEntityHandler(entities *services.EntityService) *EntityHandler {
	return &EntityHandler{entities: entities}
}

// List GET /api/entities
func (h *EntityHandler) List(c *gin.Context) {
	var req services.EntityListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.entities.List(middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Paginated(c, resp.Total, resp.Page, resp.PageSize, resp.Items)
}

// Get GET /api/entities/:id
func (h *EntityHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	entity, err := h.entities.Get(middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, entity)
}

// Create POST /api/entities
func (h *EntityHandler) Create(c *gin.Context) {
	var req services.CreateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	entity, err := h.entities.Create(middleware.CurrentActor(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, entity)
}

// Update PATCH /api/entities/:id
func (h *EntityHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.UpdateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	entity, err := h.entities.Update(middleware.CurrentActor(c), id, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, entity)
}

// Delete removes the entity with its feedback, annotations and uploads.
// DELETE /api/entities/:id
func (h *EntityHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.entities.Delete(middleware.CurrentActor(c), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "entity deleted"})
}

// Statistics GET /api/entities/:id/statistics
func (h *EntityHandler) Statistics(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	stats, err := h.entities.Statistics(middleware.CurrentActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}
