package realtime

import "github.com/matchslot/matchslot/internal/models"

// Event names broadcast to offer subscribers.
const (
	EventSlotUpdated  = "slot.updated"
	EventOfferUpdated = "offer.updated"
)

// SlotChanged broadcasts a single slot's new state to an offer's watchers.
func (h *Hub) SlotChanged(shareToken string, slot *models.Slot) {
	if slot == nil {
		return
	}
	h.Broadcast(shareToken, Message{Event: EventSlotUpdated, Data: slot})
}

// OfferChanged broadcasts the offer's new state, slots included when loaded.
func (h *Hub) OfferChanged(shareToken string, offer *models.MatchOffer) {
	if offer == nil {
		return
	}
	h.Broadcast(shareToken, Message{Event: EventOfferUpdated, Data: offer})
}
