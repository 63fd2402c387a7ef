package auth

// Role represents a user role with hierarchical permissions
type Role int

const (
	// Viewer can read tracked containers and schedules
	Viewer Role = iota
	// Operator can additionally trigger update checks
	Operator
	// Admin has the highest privileges
	Admin
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case Admin:
		return "admin"
	case Operator:
		return "operator"
	case Viewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role
func ParseRole(roleStr string) Role {
	switch roleStr {
	case "admin":
		return Admin
	case "operator":
		return Operator
	case "viewer":
		return Viewer
	default:
		return Viewer // Default to lowest privilege
	}
}

// HasPermission checks if the role has sufficient permissions for the required role
// Higher roles automatically have permissions for lower roles
func (r Role) HasPermission(required Role) bool {
	return r >= required
}
