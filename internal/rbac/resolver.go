package rbac

import (
	"context"
	"fmt"
	"strings"

	"perimetra.io/internal/audit"
)

// Resolver maps users to roles and effective permission sets and applies
// audited mutations. Every mutation is attributed to the acting user, never
// to the target, to preserve accountability.
type Resolver struct {
	store Store
	audit *audit.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, auditLogger *audit.Logger) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if auditLogger == nil {
		return nil, fmt.Errorf("%w: audit logger is required", ErrInvalidInput)
	}
	return &Resolver{store: store, audit: auditLogger}, nil
}

// Profile loads the user's security profile, creating it on first touch.
func (r *Resolver) Profile(ctx context.Context, userID string) (*Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return r.store.EnsureProfile(ctx, userID)
}

// HasPermission reports whether the user's effective set contains perm.
func (r *Resolver) HasPermission(ctx context.Context, userID string, perm Permission) (bool, error) {
	profile, err := r.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.Has(perm), nil
}

// HasRole reports an exact role match. The hierarchy affects permission
// sets, not role identity: a support user does not "have" the customer role.
func (r *Resolver) HasRole(ctx context.Context, userID string, role Role) (bool, error) {
	profile, err := r.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.Role == role, nil
}

// Actor identifies who performed a mutation and from where.
type Actor struct {
	UserID    string
	IP        string
	UserAgent string
}

// AssignRole sets the user's single role and audits the change against the
// actor. Assigning the already-held role is a no-op but still audited.
func (r *Resolver) AssignRole(ctx context.Context, userID string, role Role, actor Actor) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !ValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	profile, err := r.store.EnsureProfile(ctx, userID)
	if err != nil {
		return err
	}
	noop := profile.Role == role
	if !noop {
		if err := r.store.SetRole(ctx, userID, role); err != nil {
			return err
		}
	}
	_, err = r.audit.LogSecurityAction(ctx, actor.UserID, audit.ActionRoleChange, "user:"+userID, actor.IP, actor.UserAgent, true, audit.Detail{
		TargetUserID: userID,
		Role:         string(role),
		Noop:         noop,
	})
	return err
}

// GrantPermission adds perm to the user's explicit grants. A grant also
// clears a matching explicit revocation, restoring a role default.
func (r *Resolver) GrantPermission(ctx context.Context, userID string, perm Permission, actor Actor) error {
	return r.mutatePermission(ctx, userID, perm, actor, true)
}

// RevokePermission records an explicit revocation, which overrides role
// defaults in the effective-set computation.
func (r *Resolver) RevokePermission(ctx context.Context, userID string, perm Permission, actor Actor) error {
	return r.mutatePermission(ctx, userID, perm, actor, false)
}

func (r *Resolver) mutatePermission(ctx context.Context, userID string, perm Permission, actor Actor, grant bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !ValidPermission(perm) {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, perm)
	}
	profile, err := r.store.EnsureProfile(ctx, userID)
	if err != nil {
		return err
	}

	var extra, revoked []Permission
	if grant {
		extra = appendUnique(profile.ExtraPermissions, perm)
		revoked = remove(profile.RevokedPermissions, perm)
	} else {
		extra = remove(profile.ExtraPermissions, perm)
		revoked = appendUnique(profile.RevokedPermissions, perm)
	}
	noop := len(extra) == len(profile.ExtraPermissions) && len(revoked) == len(profile.RevokedPermissions)
	if !noop {
		if err := r.store.SetPermissions(ctx, userID, extra, revoked); err != nil {
			return err
		}
	}

	action := audit.ActionPermissionGrant
	if !grant {
		action = audit.ActionPermissionRevoke
	}
	_, err = r.audit.LogSecurityAction(ctx, actor.UserID, action, "user:"+userID, actor.IP, actor.UserAgent, true, audit.Detail{
		TargetUserID: userID,
		Permission:   string(perm),
		Noop:         noop,
	})
	return err
}

// AnonymizeUser scrubs PII while keeping rows for the audit trail. Audited
// as a data deletion against the actor.
func (r *Resolver) AnonymizeUser(ctx context.Context, userID string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := r.store.AnonymizeUser(ctx, userID); err != nil {
		return err
	}
	_, err := r.audit.LogSecurityAction(ctx, actor.UserID, audit.ActionDataDelete, "user:"+userID, actor.IP, actor.UserAgent, true, audit.Detail{
		TargetUserID: userID,
		Reason:       "anonymized",
	})
	return err
}

func appendUnique(perms []Permission, perm Permission) []Permission {
	for _, p := range perms {
		if p == perm {
			return perms
		}
	}
	out := make([]Permission, len(perms), len(perms)+1)
	copy(out, perms)
	return append(out, perm)
}

func remove(perms []Permission, perm Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if p != perm {
			out = append(out, p)
		}
	}
	return out
}
