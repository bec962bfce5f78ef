package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/internal/utils"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/Ranganathan-J/efsilonquest/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SSEHandler handles Server-Sent Events for feedback status changes
type SSEHandler struct {
	hub      *services.SSEHub
	entities *services.EntityService
}

func NewSSEHandler(hub *services.SSEHub, entities *services.EntityService) *SSEHandler {
	return &SSEHandler{hub: hub, entities: entities}
}

// StreamFeedbackEvents streams status transitions. EventSource cannot send
// headers, so the token may also come as ?token=. Non-admins only see
// entities they owned when the stream opened.
// GET /api/events/feedbacks
func (h *SSEHandler) StreamFeedbackEvents(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		response.Unauthorized(c, "Unauthorized")
		return
	}
	claims, err := utils.ParseToken(token)
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		return
	}

	var entityID uint
	if v := c.Query("entity_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid entity_id")
			return
		}
		entityID = uint(id)
	}

	actor := services.Actor{UserID: claims.UserID, Role: claims.Role}
	filter, err := h.filter(actor, entityID)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	events := h.hub.Subscribe(clientID, filter)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Uint("user_id", claims.UserID).Int("total", h.hub.ClientCount()).Msg("SSE client connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("SSE marshal error")
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			c.Writer.Flush()
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("SSE client disconnected")
			return false
		}
	})
}

func (h *SSEHandler) filter(actor services.Actor, entityID uint) (func(services.FeedbackEvent) bool, error) {
	if entityID != 0 {
		if _, err := h.entities.Get(actor, entityID); err != nil {
			return nil, err
		}
		return func(e services.FeedbackEvent) bool { return e.EntityID == entityID }, nil
	}
	if actor.Role == models.RoleAdmin {
		return nil, nil
	}

	ids, err := h.entities.AccessibleIDs(actor)
	if err != nil {
		return nil, err
	}
	allowed := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(e services.FeedbackEvent) bool {
		_, ok := allowed[e.EntityID]
		return ok
	}, nil
}
