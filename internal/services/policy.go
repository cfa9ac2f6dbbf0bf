package services

import "fmt"

// WorkflowPolicy selects which human decisions gate the booking flow.
type WorkflowPolicy struct {
	// OfferApproval requires an approver to open each new offer.
	OfferApproval bool
	// SlotApproval requires an approver to confirm each guest claim.
	SlotApproval bool
}

// Workflow mode names accepted in configuration.
const (
	ModeOfferFirst = "offer_first"
	ModeSlotOnly   = "slot_only"
	ModeDirect     = "direct"
)

// ParseWorkflowPolicy maps a configured mode name onto a policy. The
// slotApproval flag only applies to offer_first, where per-slot review is
// optional; slot_only always reviews claims and direct never does.
func ParseWorkflowPolicy(mode string, slotApproval bool) (WorkflowPolicy, error) {
	switch mode {
	case ModeOfferFirst:
		return WorkflowPolicy{OfferApproval: true, SlotApproval: slotApproval}, nil
	case ModeSlotOnly:
		return WorkflowPolicy{OfferApproval: false, SlotApproval: true}, nil
	case ModeDirect:
		return WorkflowPolicy{}, nil
	default:
		return WorkflowPolicy{}, fmt.Errorf("unknown approval mode %q", mode)
	}
}
