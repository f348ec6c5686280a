package engine

import (
	"fmt"
	"strings"
)

// Role is the authority of the acting user, as asserted by the identity provider.
type Role string

const (
	RoleBorrower  Role = "borrower"
	RoleCustodian Role = "custodian"
	RoleAdmin     Role = "admin"
)

// ParseRole accepts a role name in any case. An empty string is a borrower.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoleBorrower, nil
	case RoleBorrower, RoleCustodian, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the identity performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// Custodial reports whether the actor may approve, reject, return and
// reallocate transactions and change unit conditions.
func (a Actor) Custodial() bool {
	return a.Role == RoleCustodian || a.Role == RoleAdmin
}

func (a Actor) requireCustodial(action string) error {
	if !a.Custodial() {
		return forbidden("%s requires custodian or admin role", action)
	}
	return nil
}
