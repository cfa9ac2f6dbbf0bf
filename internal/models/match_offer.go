package models

import "fmt"

// OfferStatus enumerates the lifecycle states of a match offer.
type OfferStatus string

const (
	OfferPendingApproval OfferStatus = "PENDING_APPROVAL"
	OfferOpen            OfferStatus = "OPEN"
	OfferClosed          OfferStatus = "CLOSED"
	OfferCancelled       OfferStatus = "CANCELLED"
)

// Valid reports whether the status is one of the known offer states.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPendingApproval, OfferOpen, OfferClosed, OfferCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further offer transitions are allowed.
func (s OfferStatus) Terminal() bool {
	return s == OfferClosed || s == OfferCancelled
}

// AgeGroup enumerates the supported age brackets.
type AgeGroup string

// MatchFormat enumerates the supported team sizes.
type MatchFormat string

// AgeGroups and MatchFormats list the accepted enum values, mirrored by the
// request validators.
var (
	AgeGroups    = []AgeGroup{"U8", "U10", "U12", "U14", "U16", "U18", "Open"}
	MatchFormats = []MatchFormat{"5v5", "7v7", "9v9", "11v11"}
	Durations    = []int{60, 70, 80, 90, 100, 120}
)

// Valid reports whether the age group is a known value.
func (a AgeGroup) Valid() bool {
	for _, group := range AgeGroups {
		if a == group {
			return true
		}
	}
	return false
}

// Valid reports whether the match format is a known value.
func (f MatchFormat) Valid() bool {
	for _, format := range MatchFormats {
		if f == format {
			return true
		}
	}
	return false
}

// MatchOffer is a host coach's proposed match with candidate time slots.
type MatchOffer struct {
	BaseModel

	HostName    string `gorm:"type:varchar(128);not null" json:"host_name"`
	HostClub    string `gorm:"type:varchar(128)" json:"host_club,omitempty"`
	HostContact string `gorm:"type:varchar(255)" json:"host_contact,omitempty"`

	AgeGroup AgeGroup    `gorm:"type:varchar(8);not null" json:"age_group"`
	Format   MatchFormat `gorm:"type:varchar(8);not null" json:"format"`
	Duration int         `gorm:"not null" json:"duration"`
	Location string      `gorm:"type:varchar(255);not null" json:"location"`
	Notes    string      `gorm:"type:text" json:"notes,omitempty"`

	ApproverEmail string `gorm:"type:varchar(255);not null" json:"approver_email"`

	Status     OfferStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	ShareToken string      `gorm:"type:varchar(128);not null;uniqueIndex" json:"share_token"`

	Slots []Slot `gorm:"constraint:OnDelete:CASCADE" json:"slots,omitempty"`
}

// Validate rejects malformed rows before they reach the state machine.
func (o *MatchOffer) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("match offer %s: invalid status %q", o.ID, o.Status)
	}
	if !o.AgeGroup.Valid() {
		return fmt.Errorf("match offer %s: invalid age group %q", o.ID, o.AgeGroup)
	}
	if !o.Format.Valid() {
		return fmt.Errorf("match offer %s: invalid format %q", o.ID, o.Format)
	}
	if o.ShareToken == "" {
		return fmt.Errorf("match offer %s: missing share token", o.ID)
	}
	return nil
}
