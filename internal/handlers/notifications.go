package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matchslot/matchslot/internal/services"
	"github.com/matchslot/matchslot/pkg/response"
)

// NotificationHandler exposes the outbox audit view for an offer.
type NotificationHandler struct {
	outbox *services.OutboxService
}

// NewNotificationHandler constructs a NotificationHandler.
func NewNotificationHandler(outbox *services.OutboxService) *NotificationHandler {
	return &NotificationHandler{outbox: outbox}
}

// ListByOffer handles GET /api/offers/:id/notifications.
func (h *NotificationHandler) ListByOffer(c *gin.Context) {
	notifications, err := h.outbox.ListByOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"notifications": notifications})
}
