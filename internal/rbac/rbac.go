package rbac

type Role string
type Action string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionApprove Action = "approve"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite || action == ActionApprove
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleMember:
		return Role(role)
	default:
		return RoleMember
	}
}

// Valid reports whether role is one of the two team roles. Unlike
// Normalize it does not coerce unknown input.
func Valid(role string) bool {
	return Role(role) == RoleAdmin || Role(role) == RoleMember
}
