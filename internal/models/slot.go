package models

import (
	"fmt"
	"time"
)

// SlotStatus enumerates the lifecycle states of a time slot.
type SlotStatus string

const (
	SlotOpen            SlotStatus = "OPEN"
	SlotHeld            SlotStatus = "HELD"
	SlotPendingApproval SlotStatus = "PENDING_APPROVAL"
	SlotBooked          SlotStatus = "BOOKED"
	SlotRejected        SlotStatus = "REJECTED"
)

// Valid reports whether the status is one of the known slot states.
func (s SlotStatus) Valid() bool {
	switch s {
	case SlotOpen, SlotHeld, SlotPendingApproval, SlotBooked, SlotRejected:
		return true
	}
	return false
}

// Terminal reports whether the slot can no longer change within its offer.
func (s SlotStatus) Terminal() bool {
	return s == SlotBooked || s == SlotRejected
}

// Claimable reports whether a slot in this state still counts towards a
// bookable offer (used when deciding whether an offer is exhausted).
func (s SlotStatus) Claimable() bool {
	return s == SlotOpen || s == SlotHeld || s == SlotPendingApproval
}

// Slot is one concrete time-window option within a MatchOffer.
type Slot struct {
	BaseModel

	MatchOfferID string `gorm:"type:uuid;not null;index" json:"match_offer_id"`

	StartTime time.Time `gorm:"not null;index" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`

	Status SlotStatus `gorm:"type:varchar(32);not null;index" json:"status"`

	// Hold metadata, populated while a booking request is in flight.
	HeldBySession string     `gorm:"type:varchar(128)" json:"held_by_session,omitempty"`
	HeldAt        *time.Time `json:"held_at,omitempty"`

	// Guest team details, populated once a guest targets this slot.
	GuestName    string `gorm:"type:varchar(128)" json:"guest_name,omitempty"`
	GuestClub    string `gorm:"type:varchar(128)" json:"guest_club,omitempty"`
	GuestContact string `gorm:"type:varchar(255)" json:"guest_contact,omitempty"`
	GuestNotes   string `gorm:"type:text" json:"guest_notes,omitempty"`

	// Post-match result, saved by the host once the match was played.
	HomeScore     *int       `json:"home_score,omitempty"`
	AwayScore     *int       `json:"away_score,omitempty"`
	ResultNotes   string     `gorm:"type:text" json:"result_notes,omitempty"`
	ResultSavedAt *time.Time `json:"result_saved_at,omitempty"`
}

// Validate rejects malformed rows before they reach the state machine.
func (s *Slot) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("slot %s: invalid status %q", s.ID, s.Status)
	}
	if s.MatchOfferID == "" {
		return fmt.Errorf("slot %s: missing offer reference", s.ID)
	}
	if !s.EndTime.After(s.StartTime) {
		return fmt.Errorf("slot %s: end time must be after start time", s.ID)
	}
	return nil
}
