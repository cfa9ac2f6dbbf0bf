package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/matchslot/matchslot/internal/models"
	"github.com/matchslot/matchslot/internal/services"
	"github.com/matchslot/matchslot/pkg/response"
)

// OfferHandler exposes match offer management endpoints.
type OfferHandler struct {
	offers    *services.OfferService
	approvals *services.ApprovalService
	links     *services.LinkService
}

// NewOfferHandler constructs an OfferHandler.
func NewOfferHandler(offers *services.OfferService, approvals *services.ApprovalService, links *services.LinkService) *OfferHandler {
	return &OfferHandler{offers: offers, approvals: approvals, links: links}
}

type offerCreatedResponse struct {
	Offer     *models.MatchOffer `json:"offer"`
	ShareLink string             `json:"share_link"`
}

// Create handles POST /api/offers.
func (h *OfferHandler) Create(c *gin.Context) {
	var input services.CreateOfferInput
	if !bindAndValidate(c, &input) {
		return
	}

	offer, err := h.offers.Create(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Offers gated by an approver are routed to them right away.
	if offer.Status == models.OfferPendingApproval {
		if _, err := h.approvals.RequestOfferApproval(c.Request.Context(), offer.ID); err != nil {
			response.Error(c, err)
			return
		}
	}

	response.Success(c, http.StatusCreated, offerCreatedResponse{
		Offer:     offer,
		ShareLink: h.links.ShareLink(offer.ShareToken),
	})
}

// Get handles GET /api/offers/:id.
func (h *OfferHandler) Get(c *gin.Context) {
	offer, err := h.offers.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, offer)
}

// List handles GET /api/offers?ids=a,b,c. Hosts keep their offer ids locally
// and ask for them in bulk.
func (h *OfferHandler) List(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	offers, err := h.offers.ListByIDs(c.Request.Context(), ids)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"offers": offers})
}

// Delete handles DELETE /api/offers/:id.
func (h *OfferHandler) Delete(c *gin.Context) {
	if err := h.offers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// GetShared handles GET /api/share/:token, the guest view behind a share link.
func (h *OfferHandler) GetShared(c *gin.Context) {
	offer, err := h.offers.GetByShareToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, offer)
}
