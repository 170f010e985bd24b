// Package consent records time-bounded, per-purpose data-processing
// authorizations. A consent is active only while it has not been revoked and
// its retention period has not elapsed; anything else reads as absence.
package consent

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("consent: not found")
	ErrInvalidInput = errors.New("consent: invalid input")
)

// Purpose is the closed set of data-processing purposes a user can consent to.
type Purpose string

const (
	PurposeMarketing       Purpose = "marketing"
	PurposeAnalytics       Purpose = "analytics"
	PurposePersonalization Purpose = "personalization"
	PurposeLegalCompliance Purpose = "legal_compliance"
	PurposeDataProcessing  Purpose = "data_processing"
)

var validPurposes = map[Purpose]struct{}{
	PurposeMarketing:       {},
	PurposeAnalytics:       {},
	PurposePersonalization: {},
	PurposeLegalCompliance: {},
	PurposeDataProcessing:  {},
}

// ValidPurpose reports whether p is a known purpose.
func ValidPurpose(p Purpose) bool {
	_, ok := validPurposes[p]
	return ok
}

// Consent is one user's grant for one purpose. At most one record exists per
// (user, purpose); a re-grant replaces the previous record.
type Consent struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Purpose    Purpose       `json:"purpose"`
	LegalBasis string        `json:"legal_basis"`
	Retention  time.Duration `json:"retention"`
	GrantedAt  time.Time     `json:"granted_at"`
	RevokedAt  *time.Time    `json:"revoked_at,omitempty"`
}

// ExpiresAt is the instant the consent lapses even without revocation.
func (c *Consent) ExpiresAt() time.Time {
	return c.GrantedAt.Add(c.Retention)
}

// ActiveAt reports whether the consent is usable at the given instant.
func (c *Consent) ActiveAt(at time.Time) bool {
	return c.RevokedAt == nil && at.Before(c.ExpiresAt())
}

// Store persists consent records.
type Store interface {
	// Upsert replaces any existing record for (c.UserID, c.Purpose).
	Upsert(ctx context.Context, c *Consent) error
	// Find returns the record for (userID, purpose) or ErrNotFound.
	Find(ctx context.Context, userID string, purpose Purpose) (*Consent, error)
	// Revoke stamps the record revoked. Revoking an absent or already revoked
	// record returns ErrNotFound.
	Revoke(ctx context.Context, userID string, purpose Purpose, at time.Time) error
	// ListByUser returns all records for the user, including inactive ones.
	ListByUser(ctx context.Context, userID string) ([]Consent, error)
	// PurgeExpired deletes records whose retention elapsed before cutoff and
	// returns the number removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
