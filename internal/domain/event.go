package domain

import (
	"time"

	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
)

// EventKind classifies audit ledger entries.
type EventKind string

const (
	EventCreation            EventKind = "CREATION"
	EventEdit                EventKind = "EDIT"
	EventSubmission          EventKind = "SUBMISSION"
	EventValidation          EventKind = "VALIDATION"
	EventApproval            EventKind = "APPROVAL"
	EventRejection           EventKind = "REJECTION"
	EventCorrectionRequested EventKind = "CORRECTION_REQUESTED"
	EventSignature           EventKind = "SIGNATURE"
	EventClosure             EventKind = "CLOSURE"
)

var AllEventKinds = []EventKind{
	EventCreation,
	EventEdit,
	EventSubmission,
	EventValidation,
	EventApproval,
	EventRejection,
	EventCorrectionRequested,
	EventSignature,
	EventClosure,
}

func (k EventKind) IsValid() bool {
	for _, v := range AllEventKinds {
		if v == k {
			return true
		}
	}
	return false
}

func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown event kind: "+s)
	}
	return k, nil
}

// AuditEvent is one append-only ledger entry tied to a process.
// Seq orders events within a process and is assigned by the store.
type AuditEvent struct {
	ID          id.EventID            `json:"id"`
	Seq         int64                 `json:"seq"`
	ProcessID   id.ProcessID          `json:"process_id"`
	Kind        EventKind             `json:"kind"`
	Description string                `json:"description"`
	Detail      map[string]any        `json:"detail,omitempty"`
	ActorID     *id.UserID            `json:"actor_id,omitempty"`
	ActorRole   Role                  `json:"actor_role,omitempty"`
	OccurredAt  time.Time             `json:"occurred_at"`
	Provenance  provenance.Provenance `json:"provenance,omitzero"`
}

// Redacted drops everything that identifies the actor, keeping only the role.
func (e AuditEvent) Redacted() AuditEvent {
	e.ActorID = nil
	e.Provenance = provenance.Provenance{}
	if e.Detail != nil {
		detail := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			if k == DetailActorID {
				continue
			}
			detail[k] = v
		}
		e.Detail = detail
	}
	return e
}

// DetailActorID is the detail key under which an event may repeat its actor. It is
// stripped by Redacted.
const DetailActorID = "actor_id"
