package models

import (
	"fmt"
	"time"
)

// ApprovalStatus enumerates the states of a human decision request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Valid reports whether the status is one of the known approval states.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// Resolved reports whether a decision has been recorded.
func (s ApprovalStatus) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Approval is a single-use decision request keyed by an unguessable token.
// A nil SlotID marks an offer-level approval.
type Approval struct {
	BaseModel

	MatchOfferID string  `gorm:"type:uuid;not null;index" json:"match_offer_id"`
	SlotID       *string `gorm:"type:uuid;index" json:"slot_id,omitempty"`

	ApprovalToken string `gorm:"type:varchar(128);not null;uniqueIndex" json:"approval_token"`
	ApproverEmail string `gorm:"type:varchar(255);not null" json:"approver_email"`

	Status        ApprovalStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	DecisionAt    *time.Time     `json:"decision_at,omitempty"`
	DecisionNotes string         `gorm:"type:text" json:"decision_notes,omitempty"`
}

// OfferLevel reports whether this approval gates the offer rather than a slot.
func (a *Approval) OfferLevel() bool {
	return a.SlotID == nil || *a.SlotID == ""
}

// Validate rejects malformed rows before they reach the coordinator.
func (a *Approval) Validate() error {
	if !a.Status.Valid() {
		return fmt.Errorf("approval %s: invalid status %q", a.ID, a.Status)
	}
	if a.MatchOfferID == "" {
		return fmt.Errorf("approval %s: missing offer reference", a.ID)
	}
	if a.ApprovalToken == "" {
		return fmt.Errorf("approval %s: missing token", a.ID)
	}
	return nil
}
