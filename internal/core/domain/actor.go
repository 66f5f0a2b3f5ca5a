package domain

import "fmt"

type Role string

const (
	RoleNurse   Role = "NURSE"
	RoleOfficer Role = "OFFICER"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleNurse, RoleOfficer:
		return Role(s), nil
	}
	return "", validationf("unknown role %q", s)
}

// Actor is the caller identity resolved by the authentication layer. The core trusts it.
type Actor struct {
	UserID string
	Role   Role
	Origin string
}

func (a Actor) IsOfficer() bool { return a.Role == RoleOfficer }

func (a Actor) IsNurse() bool { return a.Role == RoleNurse }

// Require fails with ErrPermissionDenied unless the actor holds one of roles.
func (a Actor) Require(roles ...Role) error {
	if a.UserID == "" {
		return fmt.Errorf("%w: anonymous caller", ErrPermissionDenied)
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q may not perform this action", ErrPermissionDenied, a.Role)
}
