package rbac

import "sort"

// Role is the single role held by a user, from a closed enumeration.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleSupport    Role = "support"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Permission is a fine-grained capability key.
type Permission string

const (
	PermProfileRead      Permission = "profile.read"
	PermProfileUpdate    Permission = "profile.update"
	PermDataAccess       Permission = "data.access"
	PermConsentManage    Permission = "consent.manage"
	PermUserView         Permission = "user.view"
	PermSessionView      Permission = "session.view"
	PermDataExport       Permission = "data.export"
	PermUserManage       Permission = "user.manage"
	PermSessionTerminate Permission = "session.terminate"
	PermRoleAssign       Permission = "role.assign"
	PermPermissionManage Permission = "permission.manage"
	PermDataDelete       Permission = "data.delete"
	PermAuditView        Permission = "audit.view"
	PermSecurityAdmin    Permission = "security.admin"
)

// roleTiers orders roles from least to most privileged. Each tier adds the
// permissions in tierAdditions on top of every prior tier, so higher roles
// are strict supersets by construction rather than by table duplication.
var roleTiers = []Role{RoleCustomer, RoleSupport, RoleAdmin, RoleSuperAdmin}

var tierAdditions = map[Role][]Permission{
	RoleCustomer: {
		PermProfileRead,
		PermProfileUpdate,
		PermDataAccess,
		PermConsentManage,
	},
	RoleSupport: {
		PermUserView,
		PermSessionView,
		PermDataExport,
	},
	RoleAdmin: {
		PermUserManage,
		PermSessionTerminate,
		PermRoleAssign,
		PermPermissionManage,
		PermDataDelete,
		PermAuditView,
	},
	RoleSuperAdmin: {
		PermSecurityAdmin,
	},
}

// rolePermissions is the computed role → default permission set table.
var rolePermissions = buildRolePermissions()

func buildRolePermissions() map[Role]map[Permission]struct{} {
	table := make(map[Role]map[Permission]struct{}, len(roleTiers))
	acc := make(map[Permission]struct{})
	for _, role := range roleTiers {
		for _, p := range tierAdditions[role] {
			acc[p] = struct{}{}
		}
		set := make(map[Permission]struct{}, len(acc))
		for p := range acc {
			set[p] = struct{}{}
		}
		table[role] = set
	}
	return table
}

// ValidRole reports whether the role belongs to the closed enumeration.
func ValidRole(role Role) bool {
	_, ok := rolePermissions[role]
	return ok
}

// ValidPermission reports whether the permission key is defined.
func ValidPermission(perm Permission) bool {
	for _, perms := range tierAdditions {
		for _, p := range perms {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// PermissionsForRole returns the role's default permission set, sorted.
// Super-admin holds every defined permission by construction.
func PermissionsForRole(role Role) []Permission {
	set, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllPermissions returns every defined permission, sorted.
func AllPermissions() []Permission {
	return PermissionsForRole(RoleSuperAdmin)
}
