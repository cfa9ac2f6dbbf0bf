package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RecipientType identifies the role a notification is addressed to.
type RecipientType string

const (
	RecipientHost     RecipientType = "HOST"
	RecipientGuest    RecipientType = "GUEST"
	RecipientApprover RecipientType = "APPROVER"
)

// Valid reports whether the recipient type is known.
func (r RecipientType) Valid() bool {
	switch r {
	case RecipientHost, RecipientGuest, RecipientApprover:
		return true
	}
	return false
}

// NotificationKind labels the event a notification records.
type NotificationKind string

const (
	NotifySlotSelected         NotificationKind = "SLOT_SELECTED"
	NotifyApprovalRequest      NotificationKind = "APPROVAL_REQUEST"
	NotifyOfferApprovalRequest NotificationKind = "OFFER_APPROVAL_REQUEST"
	NotifyApproved             NotificationKind = "APPROVED"
	NotifyRejected             NotificationKind = "REJECTED"
	NotifyOfferClosed          NotificationKind = "OFFER_CLOSED"
)

// Valid reports whether the kind is known.
func (k NotificationKind) Valid() bool {
	switch k {
	case NotifySlotSelected, NotifyApprovalRequest, NotifyOfferApprovalRequest,
		NotifyApproved, NotifyRejected, NotifyOfferClosed:
		return true
	}
	return false
}

// Notification is an outbox record of an event requiring external delivery.
// Rows are append-only; only the sent flag is ever updated.
type Notification struct {
	BaseModel

	RecipientEmail string        `gorm:"type:varchar(255)" json:"recipient_email,omitempty"`
	RecipientType  RecipientType `gorm:"type:varchar(16);not null" json:"recipient_type"`

	Kind NotificationKind `gorm:"type:varchar(32);not null;index" json:"kind"`

	MatchOfferID string  `gorm:"type:uuid;not null;index" json:"match_offer_id"`
	SlotID       *string `gorm:"type:uuid;index" json:"slot_id,omitempty"`

	Subject  string         `gorm:"type:varchar(255);not null" json:"subject"`
	Message  string         `gorm:"type:text" json:"message"`
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	Sent   bool       `gorm:"default:false;index" json:"sent"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// Validate rejects malformed rows before they leave the outbox.
func (n *Notification) Validate() error {
	if !n.RecipientType.Valid() {
		return fmt.Errorf("notification %s: invalid recipient type %q", n.ID, n.RecipientType)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("notification %s: invalid kind %q", n.ID, n.Kind)
	}
	if n.MatchOfferID == "" {
		return fmt.Errorf("notification %s: missing offer reference", n.ID)
	}
	return nil
}
