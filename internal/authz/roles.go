package authz

const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

func Valid(role string) bool {
	return role == RoleUser || role == RoleOperator
}
