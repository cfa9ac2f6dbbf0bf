package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
	"github.com/matchslot/matchslot/pkg/logger"
	"github.com/matchslot/matchslot/pkg/metrics"
)

// EventPublisher broadcasts live availability changes to subscribed guests.
// Delivery is best-effort; state correctness never depends on it.
type EventPublisher interface {
	SlotChanged(shareToken string, slot *models.Slot)
	OfferChanged(shareToken string, offer *models.MatchOffer)
}

// Option customises Machine behaviour.
type Option func(*Machine)

// WithClock injects a custom clock primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithPublisher attaches a realtime publisher for slot change events.
func WithPublisher(p EventPublisher) Option {
	return func(m *Machine) {
		m.publisher = p
	}
}

// Machine owns every offer and slot status write. All other packages go
// through it; none cache status across calls.
type Machine struct {
	db        *gorm.DB
	now       func() time.Time
	publisher EventPublisher
	log       *zap.Logger
}

// NewMachine constructs the booking state machine.
func NewMachine(db *gorm.DB, opts ...Option) (*Machine, error) {
	if db == nil {
		return nil, errors.New("booking: db is required")
	}

	machine := &Machine{
		db:  db,
		now: time.Now,
		log: logger.WithModule("booking"),
	}

	for _, opt := range opts {
		opt(machine)
	}

	return machine, nil
}

// WithTx returns a machine bound to the given handle so a caller can
// compose status writes with its own transaction. The copy shares the
// clock and publisher of the original.
func (m *Machine) WithTx(tx *gorm.DB) *Machine {
	if tx == nil {
		return m
	}
	clone := *m
	clone.db = tx
	return &clone
}

// Claim carries the guest details attached to a slot when it is claimed.
type Claim struct {
	SessionID    string
	GuestName    string
	GuestClub    string
	GuestContact string
	GuestNotes   string
}

// ClaimSlot attempts to take an OPEN slot for a guest. The status write is a
// single conditional update, so when two guests race for the same slot
// exactly one wins and the other receives ErrSlotUnavailable. The target
// status must be HELD or PENDING_APPROVAL; direct bookings claim then Book.
func (m *Machine) ClaimSlot(ctx context.Context, slotID string, claim Claim, target models.SlotStatus) (*models.Slot, error) {
	if target != models.SlotHeld && target != models.SlotPendingApproval {
		return nil, fmt.Errorf("booking: claim slot: invalid target status %q", target)
	}

	slot, offer, err := m.loadSlotWithOffer(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("booking: claim slot: %w", err)
	}

	if offer.Status != models.OfferOpen {
		metrics.SlotClaims.WithLabelValues("lost").Inc()
		return nil, fmt.Errorf("booking: claim slot: offer %s is %s: %w", offer.ID, offer.Status, apperrors.ErrSlotUnavailable)
	}

	now := m.now()
	result := m.db.WithContext(ctx).Model(&models.Slot{}).
		Where("id = ? AND status = ?", slotID, models.SlotOpen).
		Updates(map[string]interface{}{
			"status":          target,
			"held_by_session": claim.SessionID,
			"held_at":         now,
			"guest_name":      claim.GuestName,
			"guest_club":      claim.GuestClub,
			"guest_contact":   claim.GuestContact,
			"guest_notes":     claim.GuestNotes,
		})
	if result.Error != nil {
		return nil, apperrors.WrapPersistence(result.Error, "booking: claim slot")
	}
	if result.RowsAffected == 0 {
		metrics.SlotClaims.WithLabelValues("lost").Inc()
		return nil, fmt.Errorf("booking: claim slot %s: %w", slotID, apperrors.ErrSlotUnavailable)
	}

	metrics.SlotClaims.WithLabelValues("won").Inc()
	m.log.Info("slot claimed",
		zap.String("slot_id", slotID),
		zap.String("offer_id", offer.ID),
		zap.String("target", string(target)))

	if err := m.db.WithContext(ctx).First(slot, "id = ?", slotID).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "booking: reload slot")
	}

	m.publishSlot(offer.ShareToken, slot)
	return slot, nil
}

// Book confirms a slot and settles its offer in one transaction: the slot
// becomes BOOKED, every sibling still in play becomes REJECTED, the offer
// becomes CLOSED, and host plus guest notifications are recorded. Either the
// whole cascade commits or none of it does.
func (m *Machine) Book(ctx context.Context, slotID string) (*models.Slot, error) {
	var (
		booked models.Slot
		offer  models.MatchOffer
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slot, off, err := m.loadSlotWithOfferTx(tx, slotID)
		if err != nil {
			return err
		}
		offer = *off

		result := tx.Model(&models.Slot{}).
			Where("id = ? AND status IN ?", slotID, []models.SlotStatus{
				models.SlotOpen, models.SlotHeld, models.SlotPendingApproval,
			}).
			Update("status", models.SlotBooked)
		if result.Error != nil {
			return apperrors.WrapPersistence(result.Error, "book slot")
		}
		if result.RowsAffected == 0 {
			if slot.Status == models.SlotBooked {
				return fmt.Errorf("slot %s already booked: %w", slotID, apperrors.ErrAlreadyProcessed)
			}
			return fmt.Errorf("slot %s is %s: %w", slotID, slot.Status, apperrors.ErrSlotUnavailable)
		}

		if err := tx.Model(&models.Slot{}).
			Where("match_offer_id = ? AND id <> ? AND status IN ?", off.ID, slotID, []models.SlotStatus{
				models.SlotOpen, models.SlotHeld, models.SlotPendingApproval,
			}).
			Update("status", models.SlotRejected).Error; err != nil {
			return apperrors.WrapPersistence(err, "reject sibling slots")
		}

		closed := tx.Model(&models.MatchOffer{}).
			Where("id = ? AND status = ?", off.ID, models.OfferOpen).
			Update("status", models.OfferClosed)
		if closed.Error != nil {
			return apperrors.WrapPersistence(closed.Error, "close offer")
		}
		if closed.RowsAffected == 0 {
			return fmt.Errorf("offer %s is %s: %w", off.ID, off.Status, apperrors.ErrSlotUnavailable)
		}

		if err := tx.First(&booked, "id = ?", slotID).Error; err != nil {
			return apperrors.WrapPersistence(err, "reload booked slot")
		}

		return m.enqueueBookingNotices(tx, off, &booked)
	})
	if err != nil {
		return nil, fmt.Errorf("booking: book slot: %w", err)
	}

	metrics.BookingsConfirmed.Inc()
	m.log.Info("booking confirmed",
		zap.String("slot_id", slotID),
		zap.String("offer_id", offer.ID))

	m.publishOffer(ctx, offer.ShareToken, offer.ID)
	return &booked, nil
}

// Release moves a HELD or PENDING_APPROVAL slot back to OPEN or on to
// REJECTED. Returning a slot to OPEN clears its hold and guest fields so the
// next guest sees a clean slot; a rejected slot keeps them for the record.
func (m *Machine) Release(ctx context.Context, slotID string, to models.SlotStatus) (*models.Slot, error) {
	if to != models.SlotOpen && to != models.SlotRejected {
		return nil, fmt.Errorf("booking: release slot: invalid target status %q", to)
	}

	slot, offer, err := m.loadSlotWithOffer(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("booking: release slot: %w", err)
	}

	updates := map[string]interface{}{"status": to}
	if to == models.SlotOpen {
		updates["held_by_session"] = ""
		updates["held_at"] = nil
		updates["guest_name"] = ""
		updates["guest_club"] = ""
		updates["guest_contact"] = ""
		updates["guest_notes"] = ""
	}

	result := m.db.WithContext(ctx).Model(&models.Slot{}).
		Where("id = ? AND status IN ?", slotID, []models.SlotStatus{
			models.SlotHeld, models.SlotPendingApproval,
		}).
		Updates(updates)
	if result.Error != nil {
		return nil, apperrors.WrapPersistence(result.Error, "booking: release slot")
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("booking: release slot %s: status is %s: %w", slotID, slot.Status, apperrors.ErrSlotUnavailable)
	}

	if err := m.db.WithContext(ctx).First(slot, "id = ?", slotID).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "booking: reload slot")
	}

	m.publishSlot(offer.ShareToken, slot)
	return slot, nil
}

// ReleaseStaleHolds reverts HELD slots whose hold is older than the timeout
// back to OPEN. Slots awaiting a human decision are left alone. Returns the
// number of slots released.
func (m *Machine) ReleaseStaleHolds(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().Add(-olderThan)

	result := m.db.WithContext(ctx).Model(&models.Slot{}).
		Where("status = ? AND held_at < ?", models.SlotHeld, cutoff).
		Updates(map[string]interface{}{
			"status":          models.SlotOpen,
			"held_by_session": "",
			"held_at":         nil,
			"guest_name":      "",
			"guest_club":      "",
			"guest_contact":   "",
			"guest_notes":     "",
		})
	if result.Error != nil {
		return 0, apperrors.WrapPersistence(result.Error, "booking: release stale holds")
	}

	if result.RowsAffected > 0 {
		metrics.StaleHoldsReleased.Add(float64(result.RowsAffected))
		m.log.Info("stale holds released", zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// OpenOffer moves a PENDING_APPROVAL offer to OPEN.
func (m *Machine) OpenOffer(ctx context.Context, offerID string) (*models.MatchOffer, error) {
	return m.transitionOffer(ctx, offerID, models.OfferOpen, []models.OfferStatus{models.OfferPendingApproval})
}

// CancelOffer moves a PENDING_APPROVAL or OPEN offer to CANCELLED.
func (m *Machine) CancelOffer(ctx context.Context, offerID string) (*models.MatchOffer, error) {
	offer, err := m.transitionOffer(ctx, offerID, models.OfferCancelled, []models.OfferStatus{
		models.OfferPendingApproval, models.OfferOpen,
	})
	if err != nil {
		return nil, err
	}

	metrics.OffersCancelled.Inc()
	return offer, nil
}

// CountClaimable returns how many of an offer's slots are still in play.
func (m *Machine) CountClaimable(ctx context.Context, offerID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.Slot{}).
		Where("match_offer_id = ? AND status IN ?", offerID, []models.SlotStatus{
			models.SlotOpen, models.SlotHeld, models.SlotPendingApproval,
		}).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.WrapPersistence(err, "booking: count claimable slots")
	}
	return count, nil
}

func (m *Machine) transitionOffer(ctx context.Context, offerID string, to models.OfferStatus, from []models.OfferStatus) (*models.MatchOffer, error) {
	var offer models.MatchOffer
	if err := m.db.WithContext(ctx).First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("booking: offer %s: %w", offerID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "booking: load offer")
	}

	result := m.db.WithContext(ctx).Model(&models.MatchOffer{}).
		Where("id = ? AND status IN ?", offerID, from).
		Update("status", to)
	if result.Error != nil {
		return nil, apperrors.WrapPersistence(result.Error, "booking: transition offer")
	}
	if result.RowsAffected == 0 {
		if offer.Status == to {
			return nil, fmt.Errorf("booking: offer %s already %s: %w", offerID, to, apperrors.ErrAlreadyProcessed)
		}
		return nil, fmt.Errorf("booking: offer %s is %s, cannot move to %s: %w", offerID, offer.Status, to, apperrors.ErrSlotUnavailable)
	}

	offer.Status = to
	m.log.Info("offer transitioned",
		zap.String("offer_id", offerID),
		zap.String("status", string(to)))

	m.publishOfferChange(&offer)
	return &offer, nil
}

func (m *Machine) loadSlotWithOffer(ctx context.Context, slotID string) (*models.Slot, *models.MatchOffer, error) {
	return m.loadSlotWithOfferTx(m.db.WithContext(ctx), slotID)
}

func (m *Machine) loadSlotWithOfferTx(tx *gorm.DB, slotID string) (*models.Slot, *models.MatchOffer, error) {
	var slot models.Slot
	if err := tx.First(&slot, "id = ?", slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("slot %s: %w", slotID, apperrors.ErrNotFound)
		}
		return nil, nil, apperrors.WrapPersistence(err, "load slot")
	}

	var offer models.MatchOffer
	if err := tx.First(&offer, "id = ?", slot.MatchOfferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("offer %s: %w", slot.MatchOfferID, apperrors.ErrNotFound)
		}
		return nil, nil, apperrors.WrapPersistence(err, "load offer")
	}

	return &slot, &offer, nil
}

func (m *Machine) publishSlot(shareToken string, slot *models.Slot) {
	if m.publisher == nil || slot == nil {
		return
	}
	m.publisher.SlotChanged(shareToken, slot)
}

func (m *Machine) publishOfferChange(offer *models.MatchOffer) {
	if m.publisher == nil || offer == nil {
		return
	}
	m.publisher.OfferChanged(offer.ShareToken, offer)
}

func (m *Machine) publishOffer(ctx context.Context, shareToken, offerID string) {
	if m.publisher == nil {
		return
	}

	var offer models.MatchOffer
	if err := m.db.WithContext(ctx).Preload("Slots").First(&offer, "id = ?", offerID).Error; err != nil {
		m.log.Warn("reload offer for broadcast failed", zap.String("offer_id", offerID), zap.Error(err))
		return
	}
	m.publisher.OfferChanged(shareToken, &offer)
}
