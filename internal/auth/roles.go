package auth

// Role is the caller's access level on the web surface. Firmware never
// carries a role; device routes bypass RBAC entirely (see IsDeviceRoute).
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// rank orders roles so a higher role always satisfies a lower requirement.
var rank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string coming from a token claim.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := rank[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role satisfies the required role.
func RoleAtLeast(role, required Role) bool {
	return rank[role] >= rank[required]
}
