package rbac

import (
	"context"
	"time"
)

// Store describes persistence operations required by the RBAC resolver and
// the rest of the security core that touches user security profiles.
type Store interface {
	// Profile loads an existing profile; ErrNotFound when absent.
	Profile(ctx context.Context, userID string) (*Profile, error)
	// EnsureProfile loads the profile, creating a default customer profile
	// on first touch.
	EnsureProfile(ctx context.Context, userID string) (*Profile, error)

	SetRole(ctx context.Context, userID string, role Role) error
	// SetPermissions replaces both explicit permission lists atomically.
	SetPermissions(ctx context.Context, userID string, extra, revoked []Permission) error

	// RecordLogin resets the failed-login counter and stamps last_login.
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	// RecordFailedLogin increments and returns the failed-login counter.
	RecordFailedLogin(ctx context.Context, userID string) (int, error)

	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// AnonymizeUser scrubs PII from the user record and profile while
	// preserving the rows for audit continuity.
	AnonymizeUser(ctx context.Context, userID string) error
}
