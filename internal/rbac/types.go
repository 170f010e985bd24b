package rbac

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("rbac: not found")
	ErrInvalidInput = errors.New("rbac: invalid input")
)

// User is the minimal account record the security core reads for primary
// authentication. The wider application owns the rest of the user model.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Profile is the per-user security state. Created on first
// authentication-related action; never hard-deleted, only anonymized.
type Profile struct {
	UserID             string
	Role               Role
	ExtraPermissions   []Permission
	RevokedPermissions []Permission
	MFAEnabled         bool
	MFASecret          string // sealed at rest, opaque here
	BackupCodes        []string
	FailedLogins       int
	LastLoginAt        *time.Time
	PasswordChangedAt  *time.Time
	SessionTimeoutMin  int // 0 means the deployment default
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectivePermissions resolves the profile's capability set:
// (role defaults ∪ explicit grants) − explicit revocations. Revocation
// deliberately overrides role defaults; see DESIGN.md.
func (p *Profile) EffectivePermissions() map[Permission]struct{} {
	set := make(map[Permission]struct{})
	for perm := range rolePermissions[p.Role] {
		set[perm] = struct{}{}
	}
	for _, perm := range p.ExtraPermissions {
		set[perm] = struct{}{}
	}
	for _, perm := range p.RevokedPermissions {
		delete(set, perm)
	}
	return set
}

// Has reports whether the effective set contains the permission.
func (p *Profile) Has(perm Permission) bool {
	_, ok := p.EffectivePermissions()[perm]
	return ok
}
