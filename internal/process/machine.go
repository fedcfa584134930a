package process

import (
	"fmt"

	"subsidy/internal/domain"
	dErrors "subsidy/pkg/domain-errors"
)

type roleSet map[domain.Role]struct{}

func roles(rs ...domain.Role) roleSet {
	set := make(roleSet, len(rs))
	for _, r := range rs {
		set[r] = struct{}{}
	}
	return set
}

func (s roleSet) has(r domain.Role) bool {
	_, ok := s[r]
	return ok
}

// transitions is the full edge set of the lifecycle. Every state change the service
// commits is checked against it.
var transitions = map[domain.State][]domain.State{
	domain.StateDraft:            {domain.StateSubmitted},
	domain.StateSubmitted:        {domain.StateDocsInValidation},
	domain.StateDocsInValidation: {domain.StateDocsValidated, domain.StateNeedsCorrection, domain.StateRejected},
	domain.StateNeedsCorrection:  {domain.StateDocsInValidation},
	domain.StateDocsValidated:    {domain.StateDirectorReview, domain.StateRejected},
	domain.StateDirectorReview:   {domain.StateDisburserReview, domain.StateRejected},
	domain.StateDisburserReview:  {domain.StateSigned, domain.StateRejected},
	domain.StateSigned:           {domain.StateClosed},
}

// decisionRoles gates makeDecision. DOCS_VALIDATED has no dedicated reviewer and
// accepts any approver. States absent from the map take no decisions.
var decisionRoles = map[domain.State]roleSet{
	domain.StateDocsInValidation: roles(domain.RoleValidator),
	domain.StateDocsValidated:    roles(domain.RoleValidator, domain.RoleDirector, domain.RoleDisburser),
	domain.StateDirectorReview:   roles(domain.RoleDirector),
	domain.StateDisburserReview:  roles(domain.RoleDisburser),
}

type decisionKey struct {
	from     domain.State
	approved bool
}

// decisionTable is the explicit (from, approved) -> to mapping. DISBURSER_REVIEW has no
// approving entry: approval at that stage is a signature.
var decisionTable = map[decisionKey]domain.State{
	{domain.StateDocsInValidation, true}:  domain.StateDocsValidated,
	{domain.StateDocsValidated, true}:     domain.StateDirectorReview,
	{domain.StateDirectorReview, true}:    domain.StateDisburserReview,
	{domain.StateDocsInValidation, false}: domain.StateRejected,
	{domain.StateDocsValidated, false}:    domain.StateRejected,
	{domain.StateDirectorReview, false}:   domain.StateRejected,
	{domain.StateDisburserReview, false}:  domain.StateRejected,
}

// Operation names a non-decision state-machine step.
type Operation string

const (
	OpCreate            Operation = "create"
	OpUpdateForm        Operation = "update_form"
	OpSubmit            Operation = "submit"
	OpStartValidation   Operation = "start_validation"
	OpMakeDecision      Operation = "make_decision"
	OpRequestCorrection Operation = "request_correction"
	OpSign              Operation = "sign"
	OpClose             Operation = "close"
)

type operationRule struct {
	roles roleSet
	from  map[domain.State]domain.State
}

// operationRules maps each operation to its actors and, for the state-changing ones, its
// from -> to edges. Form edits and submission are further restricted to the owner, and
// submission takes its edges from submitEdges.
var operationRules = map[Operation]operationRule{
	OpCreate:     {roles: roles(domain.RoleValidator)},
	OpUpdateForm: {roles: roles(domain.RoleBeneficiary)},
	OpSubmit:     {roles: roles(domain.RoleBeneficiary)},
	OpStartValidation: {
		roles: roles(domain.RoleValidator),
		from:  map[domain.State]domain.State{domain.StateSubmitted: domain.StateDocsInValidation},
	},
	OpRequestCorrection: {
		roles: roles(domain.RoleValidator),
		from:  map[domain.State]domain.State{domain.StateDocsInValidation: domain.StateNeedsCorrection},
	},
	OpSign: {
		roles: roles(domain.RoleDisburser),
		from:  map[domain.State]domain.State{domain.StateDisburserReview: domain.StateSigned},
	},
	OpClose: {
		roles: roles(domain.RoleCloser),
		from:  map[domain.State]domain.State{domain.StateSigned: domain.StateClosed},
	},
}

var submitEdges = map[domain.State]domain.State{
	domain.StateDraft:           domain.StateSubmitted,
	domain.StateNeedsCorrection: domain.StateDocsInValidation,
}

// visibleStates restricts what the later reviewers can list: they see a process once it
// reached their review state. Roles absent here are scoped by ownership or see everything.
var visibleStates = map[domain.Role][]domain.State{
	domain.RoleDirector:  {domain.StateDirectorReview, domain.StateDisburserReview, domain.StateSigned, domain.StateClosed},
	domain.RoleDisburser: {domain.StateDisburserReview, domain.StateSigned, domain.StateClosed},
	domain.RoleCloser:    {domain.StateSigned, domain.StateClosed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to domain.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates lists the edges leaving s.
func NextStates(s domain.State) []domain.State {
	out := make([]domain.State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// DecisionRoles returns the roles allowed to decide in s, or nil when s takes no decisions.
func DecisionRoles(s domain.State) []domain.Role {
	set, ok := decisionRoles[s]
	if !ok {
		return nil
	}
	out := make([]domain.Role, 0, len(set))
	for _, r := range domain.AllRoles {
		if set.has(r) {
			out = append(out, r)
		}
	}
	return out
}

// AuthorizeDecision checks role against the approval table for the current state.
func AuthorizeDecision(s domain.State, role domain.Role) error {
	set, ok := decisionRoles[s]
	if !ok {
		return dErrors.New(dErrors.CodeForbidden, fmt.Sprintf("no decision can be taken in state %s", s))
	}
	if !set.has(role) {
		return dErrors.New(dErrors.CodeForbidden, fmt.Sprintf("role %s cannot decide in state %s", role, s))
	}
	return nil
}

// DecisionTarget resolves the state a decision leads to. ok is false when the table has
// no entry, which the service reports as Conflict.
func DecisionTarget(from domain.State, approved bool) (domain.State, bool) {
	to, ok := decisionTable[decisionKey{from: from, approved: approved}]
	return to, ok
}

// Authorize checks the acting role for a role-gated operation.
func Authorize(op Operation, role domain.Role) error {
	rule, ok := operationRules[op]
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "operation has no role rule: "+string(op))
	}
	if !rule.roles.has(role) {
		return dErrors.New(dErrors.CodeForbidden, fmt.Sprintf("role %s cannot %s", role, op))
	}
	return nil
}

// Target resolves the state a role-gated operation moves to from s. A missing edge is a Conflict.
func Target(op Operation, s domain.State) (domain.State, error) {
	var to domain.State
	var ok bool
	if op == OpSubmit {
		to, ok = submitEdges[s]
	} else {
		to, ok = operationRules[op].from[s]
	}
	if !ok {
		return "", dErrors.New(dErrors.CodeConflict, fmt.Sprintf("cannot %s a process in state %s", op, s))
	}
	return to, nil
}

// VisibleStates returns the state filter for role. ok is false when the role is not
// restricted by state.
func VisibleStates(role domain.Role) ([]domain.State, bool) {
	states, ok := visibleStates[role]
	return states, ok
}

// CanView applies the visibility rule to a single process.
func CanView(p *domain.Process, viewer domain.User) bool {
	switch viewer.Role {
	case domain.RoleBeneficiary:
		return p.IsOwner(viewer.ID)
	case domain.RoleLandlord:
		return p.IsLandlord(viewer.ID)
	case domain.RoleValidator:
		return true
	}
	states, ok := visibleStates[viewer.Role]
	if !ok {
		return false
	}
	for _, s := range states {
		if s == p.State {
			return true
		}
	}
	return false
}
