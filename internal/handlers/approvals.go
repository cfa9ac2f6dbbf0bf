package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/matchslot/matchslot/internal/services"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
	"github.com/matchslot/matchslot/pkg/response"
)

// ApprovalHandler exposes the approver's review and decision endpoints.
type ApprovalHandler struct {
	approvals *services.ApprovalService
}

// NewApprovalHandler constructs an ApprovalHandler.
func NewApprovalHandler(approvals *services.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// Get handles GET /api/approvals/:token, the review view behind an approval
// link. Resolved tokens still render, showing the stored decision.
func (h *ApprovalHandler) Get(c *gin.Context) {
	view, err := h.approvals.GetByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

type decisionRequest struct {
	Decision services.Decision `json:"decision" validate:"required,oneof=approve reject"`
	Notes    string            `json:"notes" validate:"max=2000"`
}

// Decide handles POST /api/approvals/:token/decision.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var input decisionRequest
	if !bindAndValidate(c, &input) {
		return
	}

	result, err := h.approvals.Decide(c.Request.Context(), c.Param("token"), input.Decision, input.Notes)
	if err != nil {
		// A replayed token returns 409 together with the stored decision so
		// the approval page can show what was decided earlier.
		if errors.Is(err, apperrors.ErrAlreadyProcessed) && result != nil {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"code":    apperrors.ErrAlreadyProcessed.Code,
					"message": apperrors.ErrAlreadyProcessed.Message,
				},
				"data": result,
			})
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// BulkDecide handles POST /api/offers/:id/approvals/bulk.
func (h *ApprovalHandler) BulkDecide(c *gin.Context) {
	var input decisionRequest
	if !bindAndValidate(c, &input) {
		return
	}

	outcomes, err := h.approvals.BulkDecidePending(c.Request.Context(), c.Param("id"), input.Decision, input.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"outcomes": outcomes})
}
