// Package domain holds the entities of a subsidy process and the enums the state
// machine is written against.
package domain

import dErrors "subsidy/pkg/domain-errors"

// Role is the single role carried by an authenticated actor.
type Role string

const (
	RoleBeneficiary Role = "BENEFICIARY"
	RoleLandlord    Role = "LANDLORD"
	RoleValidator   Role = "VALIDATOR"
	RoleDirector    Role = "DIRECTOR"
	RoleDisburser   Role = "DISBURSER"
	RoleCloser      Role = "CLOSER"
)

// AllRoles lists roles in display order.
var AllRoles = []Role{RoleBeneficiary, RoleLandlord, RoleValidator, RoleDirector, RoleDisburser, RoleCloser}

func (r Role) IsValid() bool {
	switch r {
	case RoleBeneficiary, RoleLandlord, RoleValidator, RoleDirector, RoleDisburser, RoleCloser:
		return true
	}
	return false
}

// IsApprover reports whether r is one of the three sequential reviewers.
func (r Role) IsApprover() bool {
	return r == RoleValidator || r == RoleDirector || r == RoleDisburser
}

// IsStaff reports whether r is an internal role (anything but the two citizen roles).
func (r Role) IsStaff() bool {
	return r.IsValid() && r != RoleBeneficiary && r != RoleLandlord
}

func (r Role) String() string { return string(r) }

// ParseRole validates a role name at the trust boundary.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+s)
	}
	return r, nil
}
