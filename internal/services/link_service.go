package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/models"
	"github.com/matchslot/matchslot/pkg/crypto"
	apperrors "github.com/matchslot/matchslot/pkg/errors"
)

const (
	defaultLinkTokenBytes = 32
	tokenIssueAttempts    = 5
)

// LinkOption customises LinkService behaviour.
type LinkOption func(*LinkService)

// WithLinkBaseURL configures the base URL used to build shareable links.
func WithLinkBaseURL(url string) LinkOption {
	return func(s *LinkService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithLinkTokenSize adjusts the random token length in bytes.
func WithLinkTokenSize(size int) LinkOption {
	return func(s *LinkService) {
		if size > 0 {
			s.tokenLength = size
		}
	}
}

// LinkService issues the opaque tokens behind share and approval links.
// Tokens are stored as-is and authorise exactly one resource via lookup.
type LinkService struct {
	db          *gorm.DB
	baseURL     string
	tokenLength int
}

// NewLinkService constructs a LinkService.
func NewLinkService(db *gorm.DB, opts ...LinkOption) (*LinkService, error) {
	if db == nil {
		return nil, errors.New("link service: db is required")
	}

	service := &LinkService{
		db:          db,
		baseURL:     "http://localhost:8080",
		tokenLength: defaultLinkTokenBytes,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// IssueShareToken returns a fresh token unused by any match offer.
func (s *LinkService) IssueShareToken(ctx context.Context) (string, error) {
	return s.issue(ctx, &models.MatchOffer{}, "share_token")
}

// IssueApprovalToken returns a fresh token unused by any approval.
func (s *LinkService) IssueApprovalToken(ctx context.Context) (string, error) {
	return s.issue(ctx, &models.Approval{}, "approval_token")
}

// ShareLink builds the guest-facing offer URL for a share token.
func (s *LinkService) ShareLink(token string) string {
	return fmt.Sprintf("%s/offer/%s", s.baseURL, token)
}

// ApprovalLink builds the approver-facing URL for an approval token.
func (s *LinkService) ApprovalLink(token string) string {
	return fmt.Sprintf("%s/approve/%s", s.baseURL, token)
}

func (s *LinkService) issue(ctx context.Context, model interface{}, column string) (string, error) {
	for attempt := 0; attempt < tokenIssueAttempts; attempt++ {
		token, err := crypto.GenerateToken(s.tokenLength)
		if err != nil {
			return "", fmt.Errorf("link service: generate token: %w", err)
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(model).
			Where(fmt.Sprintf("%s = ?", column), token).
			Count(&count).Error; err != nil {
			return "", apperrors.WrapPersistence(err, "link service: check token uniqueness")
		}
		if count == 0 {
			return token, nil
		}
	}

	return "", fmt.Errorf("link service: exhausted %d token attempts for %s", tokenIssueAttempts, column)
}
