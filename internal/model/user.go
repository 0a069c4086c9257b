package model

// Role identifies which side of the platform an identity belongs to.
type Role string

const (
	RolePlayer    Role = "player"
	RoleDeveloper Role = "developer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePlayer || r == RoleDeveloper
}

// User represents a registered identity. The same username may exist once per
// role; the password hash never leaves the store.
type User struct {
	Username     string
	Role         Role
	PasswordHash []byte
}
