// Package domain contains core domain types for the ALSIN application.
package domain

import (
	"fmt"
	"time"
)

// Role is the account role carried in the access token.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleKepalaBengkel   Role = "kepala_bengkel"
	RoleTeknisiOperator Role = "teknisi_operator"
	RolePLP             Role = "plp"
	RoleDosen           Role = "dosen"
	RoleMahasiswa       Role = "mahasiswa"
	RolePetaniInstansi  Role = "petani_instansi"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin:           {},
	RoleKepalaBengkel:   {},
	RoleTeknisiOperator: {},
	RolePLP:             {},
	RoleDosen:           {},
	RoleMahasiswa:       {},
	RolePetaniInstansi:  {},
}

// ParseRole validates s against the fixed role enumeration.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// IsAdmin reports whether the role grants access to admin screens.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// User represents an account known to the back-end.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at"`
}

// IsApproved returns true once an administrator has approved the account.
func (u *User) IsApproved() bool {
	return u.ApprovedAt != nil
}

// Partner returns the directory projection of the user.
func (u *User) Partner() Partner {
	return Partner{ID: u.ID, FullName: u.FullName, Role: u.Role}
}

// Partner is a directory entry used to pick a chat counterpart.
type Partner struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}
