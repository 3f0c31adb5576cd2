package auth

import "slices"

// Permission is a named capability.
type Permission string

// Permissions.
const (
	PermEntityRead    Permission = "entity:read"
	PermEntityOperate Permission = "entity:operate"
	PermJournalRead   Permission = "journal:read"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermEntityRead},
	RoleOperator: {PermEntityRead, PermEntityOperate},
	RoleAdmin:    {PermEntityRead, PermEntityOperate, PermJournalRead},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions granted to role,
// or nil for an unknown role.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	return slices.Clone(perms)
}

// Can reports whether the token holder has perm.
func (c *Claims) Can(perm Permission) bool {
	return HasPermission(c.Role, perm)
}

// IsRoomScoped reports whether the token is limited to specific rooms.
func (c *Claims) IsRoomScoped() bool {
	return len(c.Rooms) > 0
}

// CanAccessRoom reports whether the token may see or operate room.
func (c *Claims) CanAccessRoom(room string) bool {
	return !c.IsRoomScoped() || slices.Contains(c.Rooms, room)
}
