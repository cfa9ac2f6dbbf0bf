package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matchslot/matchslot/internal/services"
	"github.com/matchslot/matchslot/pkg/response"
)

// SlotHandler exposes guest claims and match results on individual slots.
type SlotHandler struct {
	offers    *services.OfferService
	approvals *services.ApprovalService
}

// NewSlotHandler constructs a SlotHandler.
func NewSlotHandler(offers *services.OfferService, approvals *services.ApprovalService) *SlotHandler {
	return &SlotHandler{offers: offers, approvals: approvals}
}

// Claim handles POST /api/slots/:id/claim.
func (h *SlotHandler) Claim(c *gin.Context) {
	var input services.ClaimInput
	if !bindAndValidate(c, &input) {
		return
	}

	result, err := h.approvals.RequestSlotApproval(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// SaveResult handles POST /api/slots/:id/result.
func (h *SlotHandler) SaveResult(c *gin.Context) {
	var input services.SaveResultInput
	if !bindAndValidate(c, &input) {
		return
	}

	slot, err := h.offers.SaveResult(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, slot)
}
