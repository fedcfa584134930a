package domain

import dErrors "subsidy/pkg/domain-errors"

// State is the lifecycle position of a process.
type State string

const (
	StateDraft            State = "DRAFT"
	StateSubmitted        State = "SUBMITTED"
	StateDocsInValidation State = "DOCS_IN_VALIDATION"
	StateNeedsCorrection  State = "NEEDS_CORRECTION"
	StateDocsValidated    State = "DOCS_VALIDATED"
	StateDirectorReview   State = "DIRECTOR_REVIEW"
	StateDisburserReview  State = "DISBURSER_REVIEW"
	StateSigned           State = "SIGNED"
	StateRejected         State = "REJECTED"
	StateClosed           State = "CLOSED"
)

// AllStates lists states in lifecycle order.
var AllStates = []State{
	StateDraft,
	StateSubmitted,
	StateDocsInValidation,
	StateNeedsCorrection,
	StateDocsValidated,
	StateDirectorReview,
	StateDisburserReview,
	StateSigned,
	StateRejected,
	StateClosed,
}

func (s State) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateClosed
}

// IsSigned reports whether a process in s carries a signed artifact.
func (s State) IsSigned() bool {
	return s == StateSigned || s == StateClosed
}

// IsEditable reports whether the beneficiary may change form and documents.
func (s State) IsEditable() bool {
	return s == StateDraft || s == StateNeedsCorrection
}

func (s State) String() string { return string(s) }

func ParseState(s string) (State, error) {
	st := State(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown state: "+s)
	}
	return st, nil
}
