package services

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
	"github.com/matchslot/matchslot/pkg/validator"
)

// OfferOption customises OfferService behaviour.
type OfferOption func(*OfferService)

// WithOfferClock injects a custom clock primarily for testing.
func WithOfferClock(clock func() time.Time) OfferOption {
	return func(s *OfferService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// OfferService manages match offers outside of status transitions: creation,
// host and guest reads, deletion and match results.
type OfferService struct {
	db     *gorm.DB
	links  *LinkService
	policy WorkflowPolicy
	now    func() time.Time
	log    *zap.Logger
}

// NewOfferService constructs an OfferService.
func NewOfferService(db *gorm.DB, links *LinkService, policy WorkflowPolicy, opts ...OfferOption) (*OfferService, error) {
	if db == nil {
		return nil, errors.New("offer service: db is required")
	}
	if links == nil {
		return nil, errors.New("offer service: link service is required")
	}

	service := &OfferService{
		db:     db,
		links:  links,
		policy: policy,
		now:    time.Now,
		log:    logger.WithModule("offers"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// CreateSlotInput is one proposed time window on a new offer.
type CreateSlotInput struct {
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
}

// CreateOfferInput is the payload for creating a match offer.
type CreateOfferInput struct {
	HostName    string `json:"host_name" validate:"required,max=128"`
	HostClub    string `json:"host_club" validate:"max=128"`
	HostContact string `json:"host_contact" validate:"omitempty,email"`

	AgeGroup models.AgeGroup    `json:"age_group" validate:"required,age_group"`
	Format   models.MatchFormat `json:"format" validate:"required,match_format"`
	Duration int                `json:"duration" validate:"required,match_duration"`
	Location string             `json:"location" validate:"required,max=255"`
	Notes    string             `json:"notes" validate:"max=2000"`

	ApproverEmail string `json:"approver_email" validate:"required,email"`

	Slots []CreateSlotInput `json:"slots" validate:"required,min=1,dive"`
}

// Create validates and persists a new offer with its candidate slots. Under
// an offer-approval policy the offer starts PENDING_APPROVAL, otherwise it is
// immediately OPEN and claimable.
func (s *OfferService) Create(ctx context.Context, input CreateOfferInput) (*models.MatchOffer, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	for i, slot := range input.Slots {
		if !slot.EndTime.After(slot.StartTime) {
			return nil, apperrors.NewValidation(fmt.Sprintf("slot %d: end_time must be after start_time", i+1))
		}
	}

	token, err := s.links.IssueShareToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("offer service: %w", err)
	}

	status := models.OfferOpen
	if s.policy.OfferApproval {
		status = models.OfferPendingApproval
	}

	offer := &models.MatchOffer{
		HostName:      input.HostName,
		HostClub:      input.HostClub,
		HostContact:   input.HostContact,
		AgeGroup:      input.AgeGroup,
		Format:        input.Format,
		Duration:      input.Duration,
		Location:      input.Location,
		Notes:         input.Notes,
		ApproverEmail: input.ApproverEmail,
		Status:        status,
		ShareToken:    token,
	}
	for _, slot := range input.Slots {
		offer.Slots = append(offer.Slots, models.Slot{
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			Status:    models.SlotOpen,
		})
	}

	if err := offer.Validate(); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	if err := s.db.WithContext(ctx).Create(offer).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "offer service: create offer")
	}

	s.log.Info("offer created",
		zap.String("offer_id", offer.ID),
		zap.String("status", string(offer.Status)),
		zap.Int("slots", len(offer.Slots)))

	return offer, nil
}

// GetByShareToken loads the guest view of an offer, slots ordered by start.
func (s *OfferService) GetByShareToken(ctx context.Context, token string) (*models.MatchOffer, error) {
	var offer models.MatchOffer
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("start_time ASC") }).
		First(&offer, "share_token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("offer service: share token: %w", apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "offer service: load offer by token")
	}
	return &offer, nil
}

// GetByID loads an offer with its slots for the host view.
func (s *OfferService) GetByID(ctx context.Context, offerID string) (*models.MatchOffer, error) {
	var offer models.MatchOffer
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("start_time ASC") }).
		First(&offer, "id = ?", offerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("offer service: offer %s: %w", offerID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "offer service: load offer")
	}
	return &offer, nil
}

// ListByIDs loads the offers a host has bookmarked. Unknown ids are skipped;
// the bookmark list lives on the client and may reference deleted offers.
func (s *OfferService) ListByIDs(ctx context.Context, ids []string) ([]models.MatchOffer, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var offers []models.MatchOffer
	err := s.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("start_time ASC") }).
		Where("id IN ?", ids).
		Order("created_at DESC").
		Find(&offers).Error
	if err != nil {
		return nil, apperrors.WrapPersistence(err, "offer service: list offers")
	}
	return offers, nil
}

// Delete removes an offer and everything hanging off it. Offers with a
// confirmed booking are kept as a record of the agreed match.
func (s *OfferService) Delete(ctx context.Context, offerID string) error {
	offer, err := s.GetByID(ctx, offerID)
	if err != nil {
		return err
	}

	if offer.Status == models.OfferClosed {
		return apperrors.New("OFFER_CLOSED", "A closed offer with a confirmed booking cannot be deleted", 409)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("match_offer_id = ?", offerID).Delete(&models.Approval{}).Error; err != nil {
			return err
		}
		if err := tx.Where("match_offer_id = ?", offerID).Delete(&models.Notification{}).Error; err != nil {
			return err
		}
		if err := tx.Where("match_offer_id = ?", offerID).Delete(&models.Slot{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.MatchOffer{}, "id = ?", offerID).Error
	})
	if err != nil {
		return apperrors.WrapPersistence(err, "offer service: delete offer")
	}

	s.log.Info("offer deleted", zap.String("offer_id", offerID))
	return nil
}

// SaveResultInput carries post-match scores reported by the host.
type SaveResultInput struct {
	HomeScore int    `json:"home_score" validate:"min=0,max=99"`
	AwayScore int    `json:"away_score" validate:"min=0,max=99"`
	Notes     string `json:"notes" validate:"max=2000"`
}

// SaveResult records the final score on a booked slot.
func (s *OfferService) SaveResult(ctx context.Context, slotID string, input SaveResultInput) (*models.Slot, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	var slot models.Slot
	if err := s.db.WithContext(ctx).First(&slot, "id = ?", slotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("offer service: slot %s: %w", slotID, apperrors.ErrNotFound)
		}
		return nil, apperrors.WrapPersistence(err, "offer service: load slot")
	}

	if slot.Status != models.SlotBooked {
		return nil, apperrors.NewValidation("results can only be saved on a booked slot")
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Slot{}).
		Where("id = ? AND status = ?", slotID, models.SlotBooked).
		Updates(map[string]interface{}{
			"home_score":      input.HomeScore,
			"away_score":      input.AwayScore,
			"result_notes":    input.Notes,
			"result_saved_at": now,
		})
	if result.Error != nil {
		return nil, apperrors.WrapPersistence(result.Error, "offer service: save result")
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("offer service: slot %s: %w", slotID, apperrors.ErrSlotUnavailable)
	}

	if err := s.db.WithContext(ctx).First(&slot, "id = ?", slotID).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "offer service: reload slot")
	}
	return &slot, nil
}
