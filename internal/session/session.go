package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidInput = errors.New("session: invalid input")
)

// Session binds an opaque identifier to the user and the network context
// observed at creation. Expired and invalidated sessions keep their rows for
// the audit trail; only the active flag and expiry drive validation.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
	MFAVerified  bool      `json:"mfa_verified"`
}

// Store is the persistence boundary for sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Deactivate(ctx context.Context, id string) error
	DeactivateAllForUser(ctx context.Context, userID, exceptID string) (int64, error)
	Extend(ctx context.Context, id string, until time.Time) error
	// MarkMFAVerified flips mfa_verified to true; there is no reverse
	// operation short of deactivating the session.
	MarkMFAVerified(ctx context.Context, id string) error
	ActiveByUser(ctx context.Context, userID string) ([]Session, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}
