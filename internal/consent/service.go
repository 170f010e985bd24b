package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/ids"
)

// Service grants, revokes, and checks data-processing consents, auditing each
// mutation.
type Service struct {
	store Store
	audit *audit.Logger
	now   func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the consent service.
func NewService(store Store, auditLogger *audit.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("consent: store is required")
	}
	if auditLogger == nil {
		return nil, errors.New("consent: audit logger is required")
	}
	s := &Service{store: store, audit: auditLogger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Grant records consent for the purpose, replacing any earlier record for the
// same (user, purpose) pair.
func (s *Service) Grant(ctx context.Context, userID string, purpose Purpose, legalBasis string, retention time.Duration, actorIP, actorAgent string) (*Consent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !ValidPurpose(purpose) {
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, purpose)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	c := &Consent{
		ID:         ids.New(),
		UserID:     userID,
		Purpose:    purpose,
		LegalBasis: strings.TrimSpace(legalBasis),
		Retention:  retention,
		GrantedAt:  s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, c); err != nil {
		return nil, err
	}
	_, _ = s.audit.LogSecurityAction(ctx, userID, audit.ActionDataAccess, "consent:"+string(purpose), actorIP, actorAgent, true,
		audit.Detail{Reason: "consent_granted"})
	return c, nil
}

// Revoke withdraws consent for the purpose. Revoking something that was never
// granted, or already lapsed, returns ErrNotFound.
func (s *Service) Revoke(ctx context.Context, userID string, purpose Purpose, actorIP, actorAgent string) error {
	if !ValidPurpose(purpose) {
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, purpose)
	}
	if err := s.store.Revoke(ctx, userID, purpose, s.now().UTC()); err != nil {
		return err
	}
	_, _ = s.audit.LogSecurityAction(ctx, userID, audit.ActionDataAccess, "consent:"+string(purpose), actorIP, actorAgent, true,
		audit.Detail{Reason: "consent_revoked"})
	return nil
}

// HasActive reports whether the user holds an unrevoked, unexpired consent for
// the purpose. A missing record reads as false, not as an error.
func (s *Service) HasActive(ctx context.Context, userID string, purpose Purpose) (bool, error) {
	c, err := s.store.Find(ctx, userID, purpose)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.ActiveAt(s.now()), nil
}

// ListByUser returns every consent record for the user, active or not.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Consent, error) {
	return s.store.ListByUser(ctx, userID)
}

// PurgeExpired drops records whose retention elapsed, returning the count.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, s.now())
}
