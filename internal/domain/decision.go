package domain

import (
	"strings"
	"time"

	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
)

// Decision is an immutable record of one approve, reject or correction action.
type Decision struct {
	ID         id.DecisionID         `json:"id"`
	ProcessID  id.ProcessID          `json:"process_id"`
	FromState  State                 `json:"from_state"`
	ToState    State                 `json:"to_state"`
	Approved   bool                  `json:"approved"`
	Rationale  string                `json:"rationale,omitempty"`
	ActorID    id.UserID             `json:"actor_id,omitzero"`
	ActorRole  Role                  `json:"actor_role"`
	DecidedAt  time.Time             `json:"decided_at"`
	Provenance provenance.Provenance `json:"provenance,omitzero"`
}

// NewDecision enforces that a negative decision carries a rationale.
func NewDecision(
	processID id.ProcessID,
	from, to State,
	approved bool,
	rationale string,
	actor id.UserID,
	role Role,
	prov provenance.Provenance,
	now time.Time,
) (*Decision, error) {
	if !approved && strings.TrimSpace(rationale) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rationale is required when not approving")
	}
	return &Decision{
		ID:         id.NewDecisionID(),
		ProcessID:  processID,
		FromState:  from,
		ToState:    to,
		Approved:   approved,
		Rationale:  rationale,
		ActorID:    actor,
		ActorRole:  role,
		DecidedAt:  now,
		Provenance: prov,
	}, nil
}
