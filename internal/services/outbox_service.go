package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/models"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
	"github.com/matchslot/matchslot/pkg/logger"
	"github.com/matchslot/matchslot/pkg/mail"
)

// OutboxOption customises OutboxService behaviour.
type OutboxOption func(*OutboxService)

// WithOutboxClock injects a custom clock primarily for testing.
func WithOutboxClock(clock func() time.Time) OutboxOption {
	return func(s *OutboxService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// OutboxService persists notification records and mirrors them to SMTP on a
// best-effort basis. The persisted row is the source of truth; a failed or
// disabled mail delivery never fails the calling operation.
type OutboxService struct {
	db     *gorm.DB
	mailer mail.Mailer
	from   string
	now    func() time.Time
	log    *zap.Logger
}

// NewOutboxService constructs an OutboxService. The mailer may be nil when
// SMTP is not configured.
func NewOutboxService(db *gorm.DB, mailer mail.Mailer, opts ...OutboxOption) (*OutboxService, error) {
	if db == nil {
		return nil, errors.New("outbox service: db is required")
	}

	service := &OutboxService{
		db:     db,
		mailer: mailer,
		now:    time.Now,
		log:    logger.WithModule("outbox"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// EnqueueInput describes a notification to record.
type EnqueueInput struct {
	RecipientEmail string
	RecipientType  models.RecipientType
	Kind           models.NotificationKind
	MatchOfferID   string
	SlotID         *string
	Subject        string
	Message        string
	Metadata       map[string]interface{}
}

// Enqueue records an unsent notification and attempts immediate delivery.
func (s *OutboxService) Enqueue(ctx context.Context, input EnqueueInput) (*models.Notification, error) {
	notification, err := s.EnqueueTx(s.db.WithContext(ctx), input)
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, notification)
	return notification, nil
}

// EnqueueTx records an unsent notification inside the caller's transaction.
// No delivery is attempted; callers deliver after commit if they want to.
func (s *OutboxService) EnqueueTx(tx *gorm.DB, input EnqueueInput) (*models.Notification, error) {
	notification := &models.Notification{
		RecipientEmail: input.RecipientEmail,
		RecipientType:  input.RecipientType,
		Kind:           input.Kind,
		MatchOfferID:   input.MatchOfferID,
		SlotID:         input.SlotID,
		Subject:        input.Subject,
		Message:        input.Message,
	}

	if len(input.Metadata) > 0 {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("outbox service: encode metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(raw)
	}

	if err := notification.Validate(); err != nil {
		return nil, fmt.Errorf("outbox service: %w", err)
	}

	if err := tx.Create(notification).Error; err != nil {
		return nil, apperrors.WrapPersistence(err, "outbox service: enqueue notification")
	}

	return notification, nil
}

// ListByOffer returns every notification recorded for an offer, oldest first.
func (s *OutboxService) ListByOffer(ctx context.Context, offerID string) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.WithContext(ctx).
		Where("match_offer_id = ?", offerID).
		Order("created_at ASC").
		Find(&notifications).Error
	if err != nil {
		return nil, apperrors.WrapPersistence(err, "outbox service: list notifications")
	}
	return notifications, nil
}

// MarkSent flips a notification's sent flag.
func (s *OutboxService) MarkSent(ctx context.Context, notificationID string) error {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND sent = ?", notificationID, false).
		Updates(map[string]interface{}{"sent": true, "sent_at": now})
	if result.Error != nil {
		return apperrors.WrapPersistence(result.Error, "outbox service: mark sent")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("outbox service: notification %s: %w", notificationID, apperrors.ErrNotFound)
	}
	return nil
}

// deliver attempts SMTP delivery and marks the row sent on success.
func (s *OutboxService) deliver(ctx context.Context, notification *models.Notification) {
	if s.mailer == nil || notification.RecipientEmail == "" {
		return
	}

	err := s.mailer.Send(ctx, mail.Message{
		To:      []string{notification.RecipientEmail},
		Subject: notification.Subject,
		Body:    notification.Message,
	})
	switch {
	case err == nil:
		if markErr := s.MarkSent(ctx, notification.ID); markErr != nil {
			s.log.Warn("mark notification sent failed",
				zap.String("notification_id", notification.ID), zap.Error(markErr))
		} else {
			notification.Sent = true
		}
	case errors.Is(err, mail.ErrSMTPDisabled):
		s.log.Debug("smtp disabled, notification kept in outbox",
			zap.String("notification_id", notification.ID))
	default:
		s.log.Warn("notification delivery failed",
			zap.String("notification_id", notification.ID),
			zap.String("kind", string(notification.Kind)),
			zap.Error(err))
	}
}
