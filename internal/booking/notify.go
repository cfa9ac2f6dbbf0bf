package booking

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
)

const notifyTimeLayout = "Mon 02 Jan 2006 15:04"

// enqueueBookingNotices records the host and guest outbox rows for a
// confirmed booking inside the cascade transaction.
func (m *Machine) enqueueBookingNotices(tx *gorm.DB, offer *models.MatchOffer, slot *models.Slot) error {
	meta, err := bookingMetadata(offer, slot)
	if err != nil {
		return fmt.Errorf("encode booking metadata: %w", err)
	}

	when := slot.StartTime.Format(notifyTimeLayout)

	notices := []models.Notification{
		{
			RecipientEmail: offer.HostContact,
			RecipientType:  models.RecipientHost,
			Kind:           models.NotifyOfferClosed,
			MatchOfferID:   offer.ID,
			SlotID:         &slot.ID,
			Subject:        "Match booked, offer closed",
			Message: fmt.Sprintf("%s (%s) booked your %s match at %s on %s. The remaining slots were released.",
				slot.GuestName, slot.GuestClub, offer.Format, offer.Location, when),
			Metadata: meta,
		},
		{
			RecipientEmail: slot.GuestContact,
			RecipientType:  models.RecipientGuest,
			Kind:           models.NotifyApproved,
			MatchOfferID:   offer.ID,
			SlotID:         &slot.ID,
			Subject:        "Your match booking is confirmed",
			Message: fmt.Sprintf("Your %s match against %s at %s on %s is confirmed.",
				offer.Format, offer.HostName, offer.Location, when),
			Metadata: meta,
		},
	}

	for i := range notices {
		if err := notices[i].Validate(); err != nil {
			return err
		}
		if err := tx.Create(&notices[i]).Error; err != nil {
			return apperrors.WrapPersistence(err, "enqueue booking notice")
		}
	}

	return nil
}

func bookingMetadata(offer *models.MatchOffer, slot *models.Slot) (datatypes.JSON, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"slot_id":    slot.ID,
		"start_time": slot.StartTime,
		"end_time":   slot.EndTime,
		"location":   offer.Location,
		"age_group":  offer.AgeGroup,
		"format":     offer.Format,
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
