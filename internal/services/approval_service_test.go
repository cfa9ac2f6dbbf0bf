package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/booking"
	"github.com/matchslot/matchslot/internal/database/testutil"
	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
)

type workflowFixture struct {
	db        *gorm.DB
	machine   *booking.Machine
	links     *LinkService
	offers    *OfferService
	approvals *ApprovalService
	policy    WorkflowPolicy
}

func newWorkflowFixture(t *testing.T, policy WorkflowPolicy) *workflowFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	machine, err := booking.NewMachine(db)
	require.NoError(t, err)
	links, err := NewLinkService(db, WithLinkBaseURL("https://match.example.com"))
	require.NoError(t, err)
	outbox, err := NewOutboxService(db, nil)
	require.NoError(t, err)
	offers, err := NewOfferService(db, links, policy)
	require.NoError(t, err)
	approvals, err := NewApprovalService(db, machine, links, outbox, policy)
	require.NoError(t, err)

	return &workflowFixture{
		db:        db,
		machine:   machine,
		links:     links,
		offers:    offers,
		approvals: approvals,
		policy:    policy,
	}
}

func (f *workflowFixture) createOffer(t *testing.T) *models.MatchOffer {
	t.Helper()

	offer, err := f.offers.Create(context.Background(), validOfferInput())
	require.NoError(t, err)
	return offer
}

func (f *workflowFixture) notificationKinds(t *testing.T, offerID string) map[models.NotificationKind]int {
	t.Helper()

	var notices []models.Notification
	require.NoError(t, f.db.Where("match_offer_id = ?", offerID).Find(&notices).Error)
	kinds := map[models.NotificationKind]int{}
	for _, n := range notices {
		kinds[n.Kind]++
	}
	return kinds
}

func (f *workflowFixture) assertAtMostOneBooked(t *testing.T, offerID string) {
	t.Helper()

	var booked int64
	require.NoError(t, f.db.Model(&models.Slot{}).
		Where("match_offer_id = ? AND status = ?", offerID, models.SlotBooked).
		Count(&booked).Error)
	require.LessOrEqual(t, booked, int64(1), "an offer can never have two booked slots")
}

func TestOfferApprovalFlow(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{OfferApproval: true, SlotApproval: true})
	offer := f.createOffer(t)
	require.Equal(t, models.OfferPendingApproval, offer.Status)

	approval, err := f.approvals.RequestOfferApproval(context.Background(), offer.ID)
	require.NoError(t, err)
	require.True(t, approval.OfferLevel())

	// Requesting again reuses the pending approval instead of minting a new token.
	again, err := f.approvals.RequestOfferApproval(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, approval.ID, again.ID)

	result, err := f.approvals.Decide(context.Background(), approval.ApprovalToken, DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, result.Approval.Status)
	require.Equal(t, models.OfferOpen, result.Offer.Status)

	kinds := f.notificationKinds(t, offer.ID)
	require.Equal(t, 1, kinds[models.NotifyOfferApprovalRequest])
	require.Equal(t, 1, kinds[models.NotifyApproved])

	var host models.Notification
	require.NoError(t, f.db.Where("match_offer_id = ? AND kind = ?", offer.ID, models.NotifyApproved).First(&host).Error)
	require.Contains(t, host.Message, "/offer/"+offer.ShareToken)
}

func TestOfferApprovalDecisionIdempotent(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{OfferApproval: true})
	offer := f.createOffer(t)

	approval, err := f.approvals.RequestOfferApproval(context.Background(), offer.ID)
	require.NoError(t, err)

	_, err = f.approvals.Decide(context.Background(), approval.ApprovalToken, DecisionApprove, "")
	require.NoError(t, err)

	replay, err := f.approvals.Decide(context.Background(), approval.ApprovalToken, DecisionReject, "changed my mind")
	require.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
	require.NotNil(t, replay)
	require.Equal(t, models.ApprovalApproved, replay.Approval.Status, "the stored decision is returned unchanged")

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, loaded.Status)
}

func TestOfferRejectionRequiresNotes(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{OfferApproval: true})
	offer := f.createOffer(t)

	approval, err := f.approvals.RequestOfferApproval(context.Background(), offer.ID)
	require.NoError(t, err)

	_, err = f.approvals.Decide(context.Background(), approval.ApprovalToken, DecisionReject, "")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	// Nothing was written.
	var stored models.Approval
	require.NoError(t, f.db.First(&stored, "id = ?", approval.ID).Error)
	require.Equal(t, models.ApprovalPending, stored.Status)

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferPendingApproval, loaded.Status)
}

func TestOfferRejectionCancelsOffer(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{OfferApproval: true})
	offer := f.createOffer(t)

	approval, err := f.approvals.RequestOfferApproval(context.Background(), offer.ID)
	require.NoError(t, err)

	result, err := f.approvals.Decide(context.Background(), approval.ApprovalToken, DecisionReject, "No pitch available that weekend")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalRejected, result.Approval.Status)
	require.Equal(t, "No pitch available that weekend", result.Approval.DecisionNotes)
	require.Equal(t, models.OfferCancelled, result.Offer.Status)

	kinds := f.notificationKinds(t, offer.ID)
	require.Equal(t, 1, kinds[models.NotifyRejected])
}

func TestSlotApprovalFlowBooksOnApprove(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)
	require.Equal(t, models.OfferOpen, offer.Status)
	middle := offer.Slots[1].ID

	claim, err := f.approvals.RequestSlotApproval(context.Background(), middle, ClaimInput{
		GuestName:    "Eastfield U12",
		GuestClub:    "Eastfield FC",
		GuestContact: "guest@eastfield.example",
	})
	require.NoError(t, err)
	require.False(t, claim.Booked)
	require.Equal(t, models.SlotPendingApproval, claim.Slot.Status)
	require.NotNil(t, claim.Approval)

	kinds := f.notificationKinds(t, offer.ID)
	require.Equal(t, 1, kinds[models.NotifyApprovalRequest])
	require.Equal(t, 1, kinds[models.NotifySlotSelected])

	result, err := f.approvals.Decide(context.Background(), claim.Approval.ApprovalToken, DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, models.SlotBooked, result.Slot.Status)

	var slots []models.Slot
	require.NoError(t, f.db.Where("match_offer_id = ?", offer.ID).Order("start_time").Find(&slots).Error)
	require.Equal(t, models.SlotRejected, slots[0].Status)
	require.Equal(t, models.SlotBooked, slots[1].Status)
	require.Equal(t, models.SlotRejected, slots[2].Status)

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferClosed, loaded.Status)

	f.assertAtMostOneBooked(t, offer.ID)

	kinds = f.notificationKinds(t, offer.ID)
	require.Equal(t, 1, kinds[models.NotifyApproved], "guest confirmation recorded")
	require.Equal(t, 1, kinds[models.NotifyOfferClosed], "host notice recorded")
}

func TestSlotRejectionReopensSlot(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)
	slotID := offer.Slots[0].ID

	claim, err := f.approvals.RequestSlotApproval(context.Background(), slotID, ClaimInput{
		GuestName:    "Eastfield U12",
		GuestContact: "guest@eastfield.example",
	})
	require.NoError(t, err)

	result, err := f.approvals.Decide(context.Background(), claim.Approval.ApprovalToken, DecisionReject, "Wrong age group")
	require.NoError(t, err)
	require.Equal(t, models.SlotOpen, result.Slot.Status)
	require.Empty(t, result.Slot.GuestName)

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, loaded.Status, "a slot rejection keeps the offer open")

	kinds := f.notificationKinds(t, offer.ID)
	require.Equal(t, 2, kinds[models.NotifyRejected], "guest and host are both told")
}

func TestDirectPolicyBooksImmediately(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{})
	offer := f.createOffer(t)

	claim, err := f.approvals.RequestSlotApproval(context.Background(), offer.Slots[2].ID, ClaimInput{
		GuestName:    "Eastfield U12",
		GuestContact: "guest@eastfield.example",
	})
	require.NoError(t, err)
	require.True(t, claim.Booked)
	require.Equal(t, models.SlotBooked, claim.Slot.Status)
	require.Nil(t, claim.Approval)

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferClosed, loaded.Status)
	f.assertAtMostOneBooked(t, offer.ID)
}

func TestGetByTokenView(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)

	claim, err := f.approvals.RequestSlotApproval(context.Background(), offer.Slots[0].ID, ClaimInput{
		GuestName: "Eastfield U12",
	})
	require.NoError(t, err)

	view, err := f.approvals.GetByToken(context.Background(), claim.Approval.ApprovalToken)
	require.NoError(t, err)
	require.Equal(t, offer.ID, view.Offer.ID)
	require.NotNil(t, view.Slot)
	require.Equal(t, offer.Slots[0].ID, view.Slot.ID)
	require.Len(t, view.Offer.Slots, 3)

	_, err = f.approvals.GetByToken(context.Background(), "unknown")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBulkRejectCancelsExhaustedOffer(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)

	// Claim every slot so that rejecting all requests leaves nothing bookable.
	for _, slot := range offer.Slots {
		_, err := f.approvals.RequestSlotApproval(context.Background(), slot.ID, ClaimInput{
			GuestName: "Claimant " + slot.ID[:8],
		})
		require.NoError(t, err)
	}

	// Reject the claims and exhaust the slots manually so nothing stays OPEN.
	outcomes, err := f.approvals.BulkDecidePending(context.Background(), offer.ID, DecisionReject, "Pitch closed for maintenance")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		require.True(t, outcome.OK, "outcome for %s: %s", outcome.ApprovalID, outcome.Error)
	}

	// Rejected claims reopen their slots, so the offer survives the bulk reject.
	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferOpen, loaded.Status)

	// Once every slot is out of play a bulk reject cancels the offer.
	require.NoError(t, f.db.Model(&models.Slot{}).Where("match_offer_id = ?", offer.ID).
		Update("status", models.SlotRejected).Error)
	_, err = f.approvals.BulkDecidePending(context.Background(), offer.ID, DecisionReject, "Nothing left")
	require.NoError(t, err)

	loaded, err = f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferCancelled, loaded.Status)
}

func TestBulkApproveFirstWinnerTakesAll(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)

	for _, slot := range offer.Slots[:2] {
		_, err := f.approvals.RequestSlotApproval(context.Background(), slot.ID, ClaimInput{
			GuestName: "Claimant " + slot.ID[:8],
		})
		require.NoError(t, err)
	}

	outcomes, err := f.approvals.BulkDecidePending(context.Background(), offer.ID, DecisionApprove, "")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	var ok, failed int
	for _, outcome := range outcomes {
		if outcome.OK {
			ok++
		} else {
			failed++
		}
	}
	require.Equal(t, 1, ok, "only the first approval can book")
	require.Equal(t, 1, failed, "the second request lost its slot to the cascade")

	// The loser's verdict rolled back with its booking; the token was not
	// consumed by a decision that never took effect.
	var pending int64
	require.NoError(t, f.db.Model(&models.Approval{}).
		Where("match_offer_id = ? AND status = ?", offer.ID, models.ApprovalPending).
		Count(&pending).Error)
	require.Equal(t, int64(1), pending)

	f.assertAtMostOneBooked(t, offer.ID)

	loaded, err := f.offers.GetByID(context.Background(), offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferClosed, loaded.Status)
}

func TestCascadeLoserKeepsTokenUndecided(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)

	tokens := make([]string, 0, 2)
	for _, slot := range offer.Slots[:2] {
		claim, err := f.approvals.RequestSlotApproval(context.Background(), slot.ID, ClaimInput{
			GuestName: "Claimant " + slot.ID[:8],
		})
		require.NoError(t, err)
		tokens = append(tokens, claim.Approval.ApprovalToken)
	}

	_, err := f.approvals.Decide(context.Background(), tokens[0], DecisionApprove, "")
	require.NoError(t, err)

	// The second slot was rejected by the first booking's cascade, so this
	// decision cannot take effect and must leave no trace.
	_, err = f.approvals.Decide(context.Background(), tokens[1], DecisionApprove, "")
	require.ErrorIs(t, err, apperrors.ErrSlotUnavailable)

	var loser models.Approval
	require.NoError(t, f.db.First(&loser, "approval_token = ?", tokens[1]).Error)
	require.Equal(t, models.ApprovalPending, loser.Status)
	require.Nil(t, loser.DecisionAt)

	var slot models.Slot
	require.NoError(t, f.db.First(&slot, "id = ?", offer.Slots[1].ID).Error)
	require.Equal(t, models.SlotRejected, slot.Status)

	f.assertAtMostOneBooked(t, offer.ID)
}

func TestClaimRollsBackWhenApprovalCannotBeStored(t *testing.T) {
	f := newWorkflowFixture(t, WorkflowPolicy{SlotApproval: true})
	offer := f.createOffer(t)
	slotID := offer.Slots[0].ID

	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("approvals_unavailable", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "approvals" {
			_ = tx.AddError(errors.New("approvals unavailable"))
		}
	}))
	t.Cleanup(func() {
		require.NoError(t, f.db.Callback().Create().Remove("approvals_unavailable"))
	})

	_, err := f.approvals.RequestSlotApproval(context.Background(), slotID, ClaimInput{GuestName: "Rovers U13"})
	require.Error(t, err)

	// The claim rolled back with the failed approval insert.
	var slot models.Slot
	require.NoError(t, f.db.First(&slot, "id = ?", slotID).Error)
	require.Equal(t, models.SlotOpen, slot.Status)
	require.Empty(t, slot.GuestName)
	require.Nil(t, slot.HeldAt)
}
