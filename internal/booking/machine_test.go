package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/database/testutil"
	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
)

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	machine, err := NewMachine(db, opts...)
	require.NoError(t, err)
	return machine, db
}

func seedOffer(t *testing.T, db *gorm.DB, status models.OfferStatus, starts ...time.Time) *models.MatchOffer {
	t.Helper()

	offer := &models.MatchOffer{
		HostName:      "Riverside U12",
		HostContact:   "host@riverside.example",
		AgeGroup:      "U12",
		Format:        "7v7",
		Duration:      60,
		Location:      "Riverside Park, Pitch 2",
		ApproverEmail: "coordinator@riverside.example",
		Status:        status,
		ShareToken:    "share-" + time.Now().Format("150405.000000000") + string(status),
	}
	for _, start := range starts {
		offer.Slots = append(offer.Slots, models.Slot{
			StartTime: start,
			EndTime:   start.Add(time.Hour),
			Status:    models.SlotOpen,
		})
	}
	require.NoError(t, db.Create(offer).Error)
	return offer
}

func testClaim() Claim {
	return Claim{
		SessionID:    "session-abc",
		GuestName:    "Eastfield U12",
		GuestClub:    "Eastfield FC",
		GuestContact: "guest@eastfield.example",
		GuestNotes:   "We can bring a referee",
	}
}

func TestClaimSlotTakesOpenSlot(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)

	slot, err := machine.ClaimSlot(context.Background(), offer.Slots[0].ID, testClaim(), models.SlotHeld)
	require.NoError(t, err)
	require.Equal(t, models.SlotHeld, slot.Status)
	require.Equal(t, "Eastfield U12", slot.GuestName)
	require.Equal(t, "session-abc", slot.HeldBySession)
	require.NotNil(t, slot.HeldAt)
}

func TestClaimSlotLosesWhenNotOpen(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)
	slotID := offer.Slots[0].ID

	_, err := machine.ClaimSlot(context.Background(), slotID, testClaim(), models.SlotHeld)
	require.NoError(t, err)

	_, err = machine.ClaimSlot(context.Background(), slotID, Claim{GuestName: "Late Arrival"}, models.SlotHeld)
	require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)
}

func TestClaimSlotRequiresOpenOffer(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferPendingApproval, base)

	_, err := machine.ClaimSlot(context.Background(), offer.Slots[0].ID, testClaim(), models.SlotHeld)
	require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)
}

func TestClaimSlotUnknownSlot(t *testing.T) {
	machine, _ := newTestMachine(t)

	_, err := machine.ClaimSlot(context.Background(), "missing", testClaim(), models.SlotHeld)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClaimSlotConcurrentSingleWinner(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)
	slotID := offer.Slots[0].ID

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = machine.ClaimSlot(context.Background(), slotID, Claim{
				SessionID: "session-" + string(rune('a'+i)),
				GuestName: "Contender",
			}, models.SlotHeld)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range results {
		switch {
		case err == nil:
			won++
		default:
			require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)
			lost++
		}
	}
	require.Equal(t, 1, won, "exactly one claim must win")
	require.Equal(t, 1, lost, "the other claim must lose")
}

func TestBookCascade(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base, base.Add(time.Hour), base.Add(2*time.Hour))
	middle := offer.Slots[1].ID

	_, err := machine.ClaimSlot(context.Background(), middle, testClaim(), models.SlotPendingApproval)
	require.NoError(t, err)

	booked, err := machine.Book(context.Background(), middle)
	require.NoError(t, err)
	require.Equal(t, models.SlotBooked, booked.Status)

	var slots []models.Slot
	require.NoError(t, db.Where("match_offer_id = ?", offer.ID).Order("start_time").Find(&slots).Error)
	require.Len(t, slots, 3)
	require.Equal(t, models.SlotRejected, slots[0].Status)
	require.Equal(t, models.SlotBooked, slots[1].Status)
	require.Equal(t, models.SlotRejected, slots[2].Status)

	var reloaded models.MatchOffer
	require.NoError(t, db.First(&reloaded, "id = ?", offer.ID).Error)
	require.Equal(t, models.OfferClosed, reloaded.Status)

	var notices []models.Notification
	require.NoError(t, db.Where("match_offer_id = ?", offer.ID).Find(&notices).Error)
	require.Len(t, notices, 2)

	recipients := map[models.RecipientType]models.NotificationKind{}
	for _, n := range notices {
		recipients[n.RecipientType] = n.Kind
	}
	require.Equal(t, models.NotifyOfferClosed, recipients[models.RecipientHost])
	require.Equal(t, models.NotifyApproved, recipients[models.RecipientGuest])
}

func TestBookAlreadyBooked(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)
	slotID := offer.Slots[0].ID

	_, err := machine.ClaimSlot(context.Background(), slotID, testClaim(), models.SlotHeld)
	require.NoError(t, err)
	_, err = machine.Book(context.Background(), slotID)
	require.NoError(t, err)

	_, err = machine.Book(context.Background(), slotID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
}

func TestBookRejectedSlotFails(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base, base.Add(time.Hour))
	first, second := offer.Slots[0].ID, offer.Slots[1].ID

	_, err := machine.ClaimSlot(context.Background(), first, testClaim(), models.SlotHeld)
	require.NoError(t, err)
	_, err = machine.Book(context.Background(), first)
	require.NoError(t, err)

	_, err = machine.Book(context.Background(), second)
	require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)
}

func TestReleaseClearsGuestFields(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)
	slotID := offer.Slots[0].ID

	_, err := machine.ClaimSlot(context.Background(), slotID, testClaim(), models.SlotPendingApproval)
	require.NoError(t, err)

	slot, err := machine.Release(context.Background(), slotID, models.SlotOpen)
	require.NoError(t, err)
	require.Equal(t, models.SlotOpen, slot.Status)
	require.Empty(t, slot.GuestName)
	require.Empty(t, slot.HeldBySession)
	require.Nil(t, slot.HeldAt)
}

func TestReleaseToRejectedKeepsGuestFields(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)
	slotID := offer.Slots[0].ID

	_, err := machine.ClaimSlot(context.Background(), slotID, testClaim(), models.SlotPendingApproval)
	require.NoError(t, err)

	slot, err := machine.Release(context.Background(), slotID, models.SlotRejected)
	require.NoError(t, err)
	require.Equal(t, models.SlotRejected, slot.Status)
	require.Equal(t, "Eastfield U12", slot.GuestName)
}

func TestReleaseOpenSlotFails(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base)

	_, err := machine.Release(context.Background(), offer.Slots[0].ID, models.SlotOpen)
	require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)
}

func TestReleaseStaleHolds(t *testing.T) {
	current := time.Date(2026, time.September, 5, 12, 0, 0, 0, time.UTC)
	machine, db := newTestMachine(t, WithClock(func() time.Time { return current }))
	base := current.Add(24 * time.Hour)
	offer := seedOffer(t, db, models.OfferOpen, base, base.Add(time.Hour), base.Add(2*time.Hour))

	stale := current.Add(-30 * time.Minute)
	fresh := current.Add(-5 * time.Minute)
	require.NoError(t, db.Model(&models.Slot{}).Where("id = ?", offer.Slots[0].ID).
		Updates(map[string]interface{}{"status": models.SlotHeld, "held_at": stale, "guest_name": "Stale Guest"}).Error)
	require.NoError(t, db.Model(&models.Slot{}).Where("id = ?", offer.Slots[1].ID).
		Updates(map[string]interface{}{"status": models.SlotHeld, "held_at": fresh}).Error)
	require.NoError(t, db.Model(&models.Slot{}).Where("id = ?", offer.Slots[2].ID).
		Update("status", models.SlotBooked).Error)

	released, err := machine.ReleaseStaleHolds(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	var slots []models.Slot
	require.NoError(t, db.Where("match_offer_id = ?", offer.ID).Order("start_time").Find(&slots).Error)
	require.Equal(t, models.SlotOpen, slots[0].Status)
	require.Empty(t, slots[0].GuestName)
	require.Equal(t, models.SlotHeld, slots[1].Status)
	require.Equal(t, models.SlotBooked, slots[2].Status)
}

func TestOfferTransitions(t *testing.T) {
	machine, db := newTestMachine(t)
	offer := seedOffer(t, db, models.OfferPendingApproval)

	opened, err := machine.OpenOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, opened.Status)

	_, err = machine.OpenOffer(context.Background(), offer.ID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)

	cancelled, err := machine.CancelOffer(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferCancelled, cancelled.Status)

	_, err = machine.CancelOffer(context.Background(), offer.ID)
	require.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
}

func TestCountClaimable(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base, base.Add(time.Hour))

	count, err := machine.CountClaimable(context.Background(), offer.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, db.Model(&models.Slot{}).Where("id = ?", offer.Slots[0].ID).
		Update("status", models.SlotRejected).Error)

	count, err = machine.CountClaimable(context.Background(), offer.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestTransitionTables(t *testing.T) {
	require.True(t, CanSlotTransition(models.SlotOpen, models.SlotHeld))
	require.True(t, CanSlotTransition(models.SlotHeld, models.SlotOpen))
	require.True(t, CanSlotTransition(models.SlotPendingApproval, models.SlotBooked))
	require.False(t, CanSlotTransition(models.SlotBooked, models.SlotOpen))
	require.False(t, CanSlotTransition(models.SlotRejected, models.SlotBooked))

	require.True(t, CanOfferTransition(models.OfferPendingApproval, models.OfferOpen))
	require.True(t, CanOfferTransition(models.OfferOpen, models.OfferClosed))
	require.False(t, CanOfferTransition(models.OfferClosed, models.OfferOpen))
	require.False(t, CanOfferTransition(models.OfferCancelled, models.OfferOpen))
}

func TestWithTxComposesWithCallerRollback(t *testing.T) {
	machine, db := newTestMachine(t)
	base := time.Date(2026, time.September, 5, 10, 0, 0, 0, time.UTC)
	offer := seedOffer(t, db, models.OfferOpen, base, base.Add(time.Hour))
	target := offer.Slots[0].ID

	rollback := errors.New("caller aborts")
	err := db.Transaction(func(tx *gorm.DB) error {
		bound := machine.WithTx(tx)
		if _, err := bound.ClaimSlot(context.Background(), target, testClaim(), models.SlotHeld); err != nil {
			return err
		}
		if _, err := bound.Book(context.Background(), target); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	// The whole cascade rolled back with the caller's transaction.
	var slots []models.Slot
	require.NoError(t, db.Where("match_offer_id = ?", offer.ID).Find(&slots).Error)
	for _, slot := range slots {
		require.Equal(t, models.SlotOpen, slot.Status)
	}

	var stored models.MatchOffer
	require.NoError(t, db.First(&stored, "id = ?", offer.ID).Error)
	require.Equal(t, models.OfferOpen, stored.Status)

	var notices int64
	require.NoError(t, db.Model(&models.Notification{}).
		Where("match_offer_id = ?", offer.ID).
		Count(&notices).Error)
	require.Zero(t, notices)
}
