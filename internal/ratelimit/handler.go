package ratelimit

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outboxhq/outbox/pkg/response"
)

// StatusReader is the limiter view the handler needs.
type StatusReader interface {
	Status(ctx context.Context, userID uuid.UUID) (Snapshot, error)
}

// Handler serves the rate-limit observability endpoint.
type Handler struct {
	limiter StatusReader
}

// NewHandler creates a rate-limit handler.
func NewHandler(limiter StatusReader) *Handler {
	return &Handler{limiter: limiter}
}

// Status handles GET /api/rate-limits?senderId=<uuid>.
func (h *Handler) Status(c *gin.Context) {
	senderID, err := uuid.Parse(c.Query("senderId"))
	if err != nil {
		response.BadRequest(c, "invalid senderId", "senderId must be a UUID")
		return
	}
	snap, err := h.limiter.Status(c.Request.Context(), senderID)
	if err != nil {
		response.Internal(c, "failed to read rate limits")
		return
	}
	response.OK(c, snap)
}
