package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/booking"
	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
	"github.com/matchslot/matchslot/pkg/logger"
	"github.com/matchslot/matchslot/pkg/validator"
)

// Decision is the verdict an approver submits for a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether the decision is a known verdict.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalOption customises ApprovalService behaviour.
type ApprovalOption func(*ApprovalService)

// WithApprovalClock injects a custom clock primarily for testing.
func WithApprovalClock(clock func() time.Time) ApprovalOption {
	return func(s *ApprovalService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// ApprovalService coordinates human decisions over offers and slot claims.
// It owns Approval rows; all offer and slot status changes go through the
// booking machine.
type ApprovalService struct {
	db      *gorm.DB
	machine *booking.Machine
	links   *LinkService
	outbox  *OutboxService
	policy  WorkflowPolicy
	now     func() time.Time
	log     *zap.Logger
}

// NewApprovalService constructs an ApprovalService.
func NewApprovalService(db *gorm.DB, machine *booking.Machine, links *LinkService, outbox *OutboxService, policy WorkflowPolicy, opts ...ApprovalOption) (*ApprovalService, error) {
	if db == nil {
		return nil, errors.New("approval service: db is required")
	}
	if machine == nil {
		return nil, errors.New("approval service: booking machine is required")
	}
	if links == nil {
		return nil, errors.New("approval service: link service is required")
	}
	if outbox == nil {
		return nil, errors.New("approval service: outbox service is required")
	}

	service := &ApprovalService{
		db:      db,
		machine: machine,
		links:   links,
		outbox:  outbox,
		policy:  policy,
		now:     time.Now,
		log:     logger.WithModule("approvals"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// RequestOfferApproval issues the approval gating a newly created offer.
// Calling it again for the same offer returns the existing pending approval
// instead of minting a second token.
func (s *ApprovalService) RequestOfferApproval(ctx context.Context, offerID string) (*models.Approval, error) {
	offer, err := s.loadOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	var existing models.Approval
	err = s.db.WithContext(ctx).
		Where("match_offer_id = ? AND slot_id IS NULL AND status = ?", offerID, models.ApprovalPending).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.WrapPersistence(err, "approval service: find pending approval")
	}

	if offer.Status != models.OfferPendingApproval {
		return nil, fmt.Errorf("approval service: offer %s is %s: %w", offerID, offer.Status, apperrors.ErrAlreadyProcessed)
	}

	token, err := s.links.IssueApprovalToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval service: %w", err)
	}

	approval := &models.Approval{
		MatchOfferID:  offerID,
		ApprovalToken: token,
		ApproverEmail: offer.ApproverEmail,
		Status:        models.ApprovalPending,
	}
	if err := s.db.WithContext(ctx).Create(approval).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "approval service: create approval")
	}

	s.notify(ctx, EnqueueInput{
		RecipientEmail: offer.ApproverEmail,
		RecipientType:  models.RecipientApprover,
		Kind:           models.NotifyOfferApprovalRequest,
		MatchOfferID:   offerID,
		Subject:        fmt.Sprintf("New %s match offer awaiting approval", offer.Format),
		Message: fmt.Sprintf("%s (%s) proposed a %s %s match at %s. Review it here: %s",
			offer.HostName, offer.HostClub, offer.AgeGroup, offer.Format, offer.Location,
			s.links.ApprovalLink(token)),
	})

	s.log.Info("offer approval requested",
		zap.String("offer_id", offerID),
		zap.String("approval_id", approval.ID))
	return approval, nil
}

// ClaimInput carries the guest details submitted with a slot claim.
type ClaimInput struct {
	SessionID    string `json:"session_id" validate:"max=128"`
	GuestName    string `json:"guest_name" validate:"required,max=128"`
	GuestClub    string `json:"guest_club" validate:"max=128"`
	GuestContact string `json:"guest_contact" validate:"omitempty,email"`
	GuestNotes   string `json:"guest_notes" validate:"max=2000"`
}

// ClaimResult reports what happened to a guest's slot claim.
type ClaimResult struct {
	Slot     *models.Slot     `json:"slot"`
	Approval *models.Approval `json:"approval,omitempty"`
	Booked   bool             `json:"booked"`
}

// RequestSlotApproval is the guest claim entry point. The slot is claimed
// atomically; depending on policy the claim either books immediately or
// parks PENDING_APPROVAL behind a fresh approval token.
func (s *ApprovalService) RequestSlotApproval(ctx context.Context, slotID string, input ClaimInput) (*ClaimResult, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	claim := booking.Claim{
		SessionID:    input.SessionID,
		GuestName:    input.GuestName,
		GuestClub:    input.GuestClub,
		GuestContact: input.GuestContact,
		GuestNotes:   input.GuestNotes,
	}

	if !s.policy.SlotApproval {
		var booked *models.Slot
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			machine := s.machine.WithTx(tx)
			if _, err := machine.ClaimSlot(ctx, slotID, claim, models.SlotHeld); err != nil {
				return err
			}
			slot, err := machine.Book(ctx, slotID)
			if err != nil {
				return err
			}
			booked = slot
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &ClaimResult{Slot: booked, Booked: true}, nil
	}

	// The token is issued up front; an unused token is harmless, an
	// approval row without it is not.
	token, err := s.links.IssueApprovalToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("approval service: %w", err)
	}

	var (
		slot     *models.Slot
		offer    *models.MatchOffer
		approval *models.Approval
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.machine.WithTx(tx).ClaimSlot(ctx, slotID, claim, models.SlotPendingApproval)
		if err != nil {
			return err
		}
		slot = claimed

		var off models.MatchOffer
		if err := tx.First(&off, "id = ?", claimed.MatchOfferID).Error; err != nil {
			return apperrors.WrapPersistence(err, "approval service: load offer")
		}
		offer = &off

		approval = &models.Approval{
			MatchOfferID:  offer.ID,
			SlotID:        &slot.ID,
			ApprovalToken: token,
			ApproverEmail: offer.ApproverEmail,
			Status:        models.ApprovalPending,
		}
		if err := tx.Create(approval).Error; err != nil {
			return apperrors.WrapPersistence(err, "approval service: create slot approval")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	when := slot.StartTime.Format("Mon 02 Jan 2006 15:04")
	s.notify(ctx, EnqueueInput{
		RecipientEmail: offer.ApproverEmail,
		RecipientType:  models.RecipientApprover,
		Kind:           models.NotifyApprovalRequest,
		MatchOfferID:   offer.ID,
		SlotID:         &slot.ID,
		Subject:        "Booking request awaiting approval",
		Message: fmt.Sprintf("%s (%s) wants the %s slot for the %s match at %s. Review it here: %s",
			input.GuestName, input.GuestClub, when, offer.Format, offer.Location,
			s.links.ApprovalLink(token)),
	})
	s.notify(ctx, EnqueueInput{
		RecipientEmail: offer.HostContact,
		RecipientType:  models.RecipientHost,
		Kind:           models.NotifySlotSelected,
		MatchOfferID:   offer.ID,
		SlotID:         &slot.ID,
		Subject:        "A team picked one of your slots",
		Message: fmt.Sprintf("%s (%s) selected the %s slot. The booking is waiting for approval.",
			input.GuestName, input.GuestClub, when),
	})

	s.log.Info("slot approval requested",
		zap.String("slot_id", slotID),
		zap.String("approval_id", approval.ID))
	return &ClaimResult{Slot: slot, Approval: approval}, nil
}

// ApprovalView is the read model behind an approval link.
type ApprovalView struct {
	Approval *models.Approval   `json:"approval"`
	Offer    *models.MatchOffer `json:"offer"`
	Slot     *models.Slot       `json:"slot,omitempty"`
}

// GetByToken loads everything an approver needs to review a decision,
// including the stored verdict when the token was already used.
func (s *ApprovalService) GetByToken(ctx context.Context, token string) (*ApprovalView, error) {
	approval, err := s.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	offer, err := s.loadOfferWithSlots(ctx, approval.MatchOfferID)
	if err != nil {
		return nil, err
	}

	view := &ApprovalView{Approval: approval, Offer: offer}
	if !approval.OfferLevel() {
		for i := range offer.Slots {
			if offer.Slots[i].ID == *approval.SlotID {
				view.Slot = &offer.Slots[i]
				break
			}
		}
	}
	return view, nil
}

// DecisionResult reports the outcome of deciding an approval.
type DecisionResult struct {
	Approval *models.Approval   `json:"approval"`
	Offer    *models.MatchOffer `json:"offer,omitempty"`
	Slot     *models.Slot       `json:"slot,omitempty"`
}

// Decide resolves the approval behind a token. A token that was already
// decided returns the stored verdict alongside ErrAlreadyProcessed; nothing
// is written twice.
func (s *ApprovalService) Decide(ctx context.Context, token string, decision Decision, notes string) (*DecisionResult, error) {
	if !decision.Valid() {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown decision %q", decision))
	}
	if decision == DecisionReject && notes == "" {
		return nil, apperrors.NewValidation("a rejection requires an explanation for the requester")
	}

	approval, err := s.findByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if approval.Status.Resolved() {
		return &DecisionResult{Approval: approval},
			fmt.Errorf("approval service: token already decided %s: %w", approval.Status, apperrors.ErrAlreadyProcessed)
	}

	if approval.OfferLevel() {
		return s.decideOffer(ctx, approval, decision, notes)
	}
	return s.decideSlot(ctx, approval, decision, notes)
}

// DecideOfferApproval resolves an offer-level token.
func (s *ApprovalService) DecideOfferApproval(ctx context.Context, token string, decision Decision, notes string) (*DecisionResult, error) {
	return s.Decide(ctx, token, decision, notes)
}

// DecideSlotApproval resolves a slot-level token.
func (s *ApprovalService) DecideSlotApproval(ctx context.Context, token string, decision Decision, notes string) (*DecisionResult, error) {
	return s.Decide(ctx, token, decision, notes)
}

// BulkOutcome is the per-approval result of a bulk decision.
type BulkOutcome struct {
	ApprovalID string  `json:"approval_id"`
	SlotID     *string `json:"slot_id,omitempty"`
	OK         bool    `json:"ok"`
	Error      string  `json:"error,omitempty"`
}

// BulkDecidePending applies one verdict to every pending approval on an
// offer. Each approval is decided independently; earlier successes stand
// even when a later one fails. Rejecting the last viable request cancels
// the offer.
func (s *ApprovalService) BulkDecidePending(ctx context.Context, offerID string, decision Decision, notes string) ([]BulkOutcome, error) {
	if !decision.Valid() {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown decision %q", decision))
	}
	if decision == DecisionReject && notes == "" {
		return nil, apperrors.NewValidation("a rejection requires an explanation for the requester")
	}

	if _, err := s.loadOffer(ctx, offerID); err != nil {
		return nil, err
	}

	var pending []models.Approval
	err := s.db.WithContext(ctx).
		Where("match_offer_id = ? AND status = ?", offerID, models.ApprovalPending).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, apperrors.WrapPersistence(err, "approval service: list pending approvals")
	}

	outcomes := make([]BulkOutcome, 0, len(pending))
	for i := range pending {
		outcome := BulkOutcome{ApprovalID: pending[i].ID, SlotID: pending[i].SlotID}

		var decideErr error
		if pending[i].OfferLevel() {
			_, decideErr = s.decideOffer(ctx, &pending[i], decision, notes)
		} else {
			_, decideErr = s.decideSlot(ctx, &pending[i], decision, notes)
		}

		if decideErr != nil {
			outcome.Error = apperrors.FromError(decideErr).Message
		} else {
			outcome.OK = true
		}
		outcomes = append(outcomes, outcome)
	}

	if decision == DecisionReject {
		s.cancelIfExhausted(ctx, offerID)
	}

	return outcomes, nil
}

// decideOffer resolves an offer-level approval and moves the offer.
// Verdict and offer transition commit together: a failed transition leaves
// the token undecided.
func (s *ApprovalService) decideOffer(ctx context.Context, approval *models.Approval, decision Decision, notes string) (*DecisionResult, error) {
	offer, err := s.loadOffer(ctx, approval.MatchOfferID)
	if err != nil {
		return nil, err
	}

	result := &DecisionResult{Approval: approval, Offer: offer}

	var moved *models.MatchOffer
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.resolveApproval(tx, approval, decision, notes); err != nil {
			return err
		}

		machine := s.machine.WithTx(tx)
		var err error
		if decision == DecisionApprove {
			moved, err = machine.OpenOffer(ctx, offer.ID)
		} else {
			moved, err = machine.CancelOffer(ctx, offer.ID)
		}
		if err != nil && !errors.Is(err, apperrors.ErrAlreadyProcessed) {
			return err
		}
		return nil
	})
	if txErr != nil {
		s.refreshApproval(ctx, approval)
		return result, txErr
	}
	if moved != nil {
		result.Offer = moved
	}

	if decision == DecisionApprove {
		s.notify(ctx, EnqueueInput{
			RecipientEmail: offer.HostContact,
			RecipientType:  models.RecipientHost,
			Kind:           models.NotifyApproved,
			MatchOfferID:   offer.ID,
			Subject:        "Your match offer was approved",
			Message: fmt.Sprintf("Your %s match offer at %s is now open. Share this link with visiting teams: %s",
				offer.Format, offer.Location, s.links.ShareLink(offer.ShareToken)),
		})
		return result, nil
	}

	s.notify(ctx, EnqueueInput{
		RecipientEmail: offer.HostContact,
		RecipientType:  models.RecipientHost,
		Kind:           models.NotifyRejected,
		MatchOfferID:   offer.ID,
		Subject:        "Your match offer was rejected",
		Message:        fmt.Sprintf("Your %s match offer at %s was not approved. Reason: %s", offer.Format, offer.Location, notes),
	})
	return result, nil
}

// decideSlot resolves a slot-level approval: approve books the slot and
// settles the offer, reject returns the slot to the pool.
func (s *ApprovalService) decideSlot(ctx context.Context, approval *models.Approval, decision Decision, notes string) (*DecisionResult, error) {
	// Capture guest details before a rejection clears them off the slot.
	var slot models.Slot
	if err := s.db.WithContext(ctx).First(&slot, "id = ?", *approval.SlotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval service: slot %s: %w", *approval.SlotID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "approval service: load slot")
	}

	result := &DecisionResult{Approval: approval}

	// Verdict and slot effect are one unit: if the booking cascade or the
	// release fails, the token stays undecided.
	var moved *models.Slot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.resolveApproval(tx, approval, decision, notes); err != nil {
			return err
		}

		machine := s.machine.WithTx(tx)
		var err error
		if decision == DecisionApprove {
			moved, err = machine.Book(ctx, slot.ID)
		} else {
			moved, err = machine.Release(ctx, slot.ID, models.SlotOpen)
		}
		return err
	})
	if txErr != nil {
		s.refreshApproval(ctx, approval)
		return result, txErr
	}
	result.Slot = moved

	if decision == DecisionApprove {
		return result, nil
	}

	offer, err := s.loadOffer(ctx, approval.MatchOfferID)
	if err != nil {
		return result, err
	}

	when := slot.StartTime.Format("Mon 02 Jan 2006 15:04")
	s.notify(ctx, EnqueueInput{
		RecipientEmail: slot.GuestContact,
		RecipientType:  models.RecipientGuest,
		Kind:           models.NotifyRejected,
		MatchOfferID:   offer.ID,
		SlotID:         &slot.ID,
		Subject:        "Your booking request was declined",
		Message: fmt.Sprintf("Your request for the %s slot at %s was declined. Reason: %s",
			when, offer.Location, notes),
	})
	s.notify(ctx, EnqueueInput{
		RecipientEmail: offer.HostContact,
		RecipientType:  models.RecipientHost,
		Kind:           models.NotifyRejected,
		MatchOfferID:   offer.ID,
		SlotID:         &slot.ID,
		Subject:        "A booking request was declined",
		Message: fmt.Sprintf("The request from %s (%s) for the %s slot was declined. The slot is open again.",
			slot.GuestName, slot.GuestClub, when),
	})

	return result, nil
}

// resolveApproval records the verdict on the caller's handle. The
// conditional update makes each token single-use: a second decision loses
// the race and sees ErrAlreadyProcessed.
func (s *ApprovalService) resolveApproval(tx *gorm.DB, approval *models.Approval, decision Decision, notes string) error {
	status := models.ApprovalApproved
	if decision == DecisionReject {
		status = models.ApprovalRejected
	}

	now := s.now()
	result := tx.Model(&models.Approval{}).
		Where("id = ? AND status = ?", approval.ID, models.ApprovalPending).
		Updates(map[string]interface{}{
			"status":         status,
			"decision_at":    now,
			"decision_notes": notes,
		})
	if result.Error != nil {
		return apperrors.WrapPersistence(result.Error, "approval service: resolve approval")
	}
	if result.RowsAffected == 0 {
		if err := tx.First(approval, "id = ?", approval.ID).Error; err == nil && approval.Status.Resolved() {
			return fmt.Errorf("approval service: approval %s already %s: %w", approval.ID, approval.Status, apperrors.ErrAlreadyProcessed)
		}
		return fmt.Errorf("approval service: approval %s: %w", approval.ID, apperrors.ErrNotFound)
	}

	approval.Status = status
	approval.DecisionAt = &now
	approval.DecisionNotes = notes

	s.log.Info("approval decided",
		zap.String("approval_id", approval.ID),
		zap.String("decision", string(decision)))
	return nil
}

// refreshApproval reloads the row after a rolled-back decision so callers
// see the stored status, not the in-memory attempt.
func (s *ApprovalService) refreshApproval(ctx context.Context, approval *models.Approval) {
	if err := s.db.WithContext(ctx).First(approval, "id = ?", approval.ID).Error; err != nil {
		s.log.Warn("reload approval failed",
			zap.String("approval_id", approval.ID),
			zap.Error(err))
	}
}

// cancelIfExhausted closes out an offer that has no booked slot and nothing
// left to claim.
func (s *ApprovalService) cancelIfExhausted(ctx context.Context, offerID string) {
	claimable, err := s.machine.CountClaimable(ctx, offerID)
	if err != nil || claimable > 0 {
		return
	}

	var booked int64
	if err := s.db.WithContext(ctx).Model(&models.Slot{}).
		Where("match_offer_id = ? AND status = ?", offerID, models.SlotBooked).
		Count(&booked).Error; err != nil || booked > 0 {
		return
	}

	if _, err := s.machine.CancelOffer(ctx, offerID); err != nil && !errors.Is(err, apperrors.ErrAlreadyProcessed) {
		s.log.Warn("cancel exhausted offer failed", zap.String("offer_id", offerID), zap.Error(err))
	}
}

func (s *ApprovalService) findByToken(ctx context.Context, token string) (*models.Approval, error) {
	var approval models.Approval
	err := s.db.WithContext(ctx).First(&approval, "approval_token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval service: token: %w", apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "approval service: load approval")
	}
	return &approval, nil
}

func (s *ApprovalService) loadOffer(ctx context.Context, offerID string) (*models.MatchOffer, error) {
	var offer models.MatchOffer
	err := s.db.WithContext(ctx).First(&offer, "id = ?", offerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval service: offer %s: %w", offerID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "approval service: load offer")
	}
	return &offer, nil
}

func (s *ApprovalService) loadOfferWithSlots(ctx context.Context, offerID string) (*models.MatchOffer, error) {
	var offer models.MatchOffer
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("start_time ASC") }).
		First(&offer, "id = ?", offerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval service: offer %s: %w", offerID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "approval service: load offer")
	}
	return &offer, nil
}

// notify records an outbox row, logging rather than failing on error. The
// decision itself is already durable by the time notifications are written.
func (s *ApprovalService) notify(ctx context.Context, input EnqueueInput) {
	if _, err := s.outbox.Enqueue(ctx, input); err != nil {
		s.log.Warn("enqueue notification failed",
			zap.String("offer_id", input.MatchOfferID),
			zap.String("kind", string(input.Kind)),
			zap.Error(err))
	}
}
