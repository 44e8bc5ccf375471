package auth

import "strings"

// Role is the caller's access level. Admins see and manage every trap;
// users see only traps tagged with their own customer.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// NormalizeRole maps a claim value to a known role.
func NormalizeRole(value string) (Role, bool) {
	switch Role(strings.TrimSpace(strings.ToLower(value))) {
	case RoleUser:
		return RoleUser, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// RoleAtLeast reports whether role meets the required level.
func RoleAtLeast(role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	}
	return 0
}
