package domain

// Role is an API caller role carried in the auth token.
type Role string

// Roles, ordered by privilege.
const (
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

var roleLevels = map[Role]int{
	RoleWorker: 1,
	RoleAdmin:  2,
}

// HasPermission reports whether the role meets the required minimum role.
func (r Role) HasPermission(minRole Role) bool {
	return roleLevels[r] >= roleLevels[minRole]
}
