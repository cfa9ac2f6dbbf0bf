package booking

import "github.com/matchslot/matchslot/internal/models"

// offerTransitions is the single source of truth for legal offer moves.
var offerTransitions = map[models.OfferStatus][]models.OfferStatus{
	models.OfferPendingApproval: {models.OfferOpen, models.OfferCancelled},
	models.OfferOpen:            {models.OfferClosed, models.OfferCancelled},
	models.OfferClosed:          {},
	models.OfferCancelled:       {},
}

// slotTransitions is the single source of truth for legal slot moves.
var slotTransitions = map[models.SlotStatus][]models.SlotStatus{
	models.SlotOpen:            {models.SlotHeld, models.SlotPendingApproval, models.SlotBooked, models.SlotRejected},
	models.SlotHeld:            {models.SlotOpen, models.SlotPendingApproval, models.SlotBooked, models.SlotRejected},
	models.SlotPendingApproval: {models.SlotOpen, models.SlotBooked, models.SlotRejected},
	models.SlotBooked:          {},
	models.SlotRejected:        {},
}

// CanOfferTransition reports whether an offer may move from one status to another.
func CanOfferTransition(from, to models.OfferStatus) bool {
	for _, allowed := range offerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanSlotTransition reports whether a slot may move from one status to another.
func CanSlotTransition(from, to models.SlotStatus) bool {
	for _, allowed := range slotTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
