package authgate

import "time"

// Role is the authorization level of an identity. Roles form a total order:
// RoleAnonymous < RoleUser < RoleAdmin.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
)

// roleRank maps each role to its position in the total order. Unknown roles
// rank below anonymous so a garbled claim never grants access.
var roleRank = map[Role]int{
	RoleAnonymous: 0,
	RoleUser:      1,
	RoleAdmin:     2,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r meets or exceeds the required role.
func (r Role) AtLeast(required Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	requiredRank, ok := roleRank[required]
	if !ok {
		return false
	}
	return rank >= requiredRank
}

// Identity is the validated caller identity derived from IdP claims at
// callback time. It is immutable for the lifetime of a session; a role change
// requires re-authentication.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
}

// Anonymous is the identity attached to requests carrying no bearer token.
var Anonymous = Identity{Role: RoleAnonymous}

// TokenPair is the result of issuance, refresh, and callback completion.
// The refresh token is opaque; only its hash is ever persisted.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"-"`
}

// Session is the successful outcome of a callback exchange: who logged in,
// the tokens they received, and where to send them next.
type Session struct {
	Identity       Identity
	Tokens         TokenPair
	RedirectTarget string
}

// RoleTable maps operation name to the minimum role required to invoke it.
// The table is fixed at startup and never mutated at runtime; an operation
// absent from the table requires RoleAdmin.
type RoleTable map[string]Role

// MinRole returns the minimum role required for the named operation.
func (t RoleTable) MinRole(operation string) Role {
	if role, ok := t[operation]; ok {
		return role
	}
	return RoleAdmin
}

// Allows reports whether an identity with the given role may invoke the
// named operation.
func (t RoleTable) Allows(operation string, role Role) bool {
	return role.AtLeast(t.MinRole(operation))
}
