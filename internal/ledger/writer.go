// Package ledger holds the append-only writers for decisions and audit events and the
// read side built on top of them.
//
// Writers are only used inside a unit of work opened by the process or document
// services, so a decision or event is never written without the state change it
// describes.
package ledger

import (
	"context"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
	"subsidy/pkg/requestcontext"
)

// Writer appends to the ledger through transaction-bound stores.
type Writer struct {
	stores storage.Stores
}

func NewWriter(stores storage.Stores) *Writer {
	return &Writer{stores: stores}
}

// Entry describes an audit event before it is stamped.
type Entry struct {
	ProcessID   id.ProcessID
	Kind        domain.EventKind
	Description string
	Detail      map[string]any
	Actor       *domain.Actor
}

// Event stamps e with time and provenance from ctx and appends it.
func (w *Writer) Event(ctx context.Context, e Entry) (*domain.AuditEvent, error) {
	ev := &domain.AuditEvent{
		ID:          id.NewEventID(),
		ProcessID:   e.ProcessID,
		Kind:        e.Kind,
		Description: e.Description,
		Detail:      e.Detail,
		OccurredAt:  requestcontext.Now(ctx),
		Provenance:  provenance.FromContext(ctx),
	}
	if e.Actor != nil {
		actorID := e.Actor.ID
		ev.ActorID = &actorID
		ev.ActorRole = e.Actor.Role
	}
	if err := w.stores.Events.Append(ctx, ev); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append audit event")
	}
	return ev, nil
}

// Decision appends an immutable decision record.
func (w *Writer) Decision(ctx context.Context, d *domain.Decision) error {
	if err := w.stores.Decisions.Append(ctx, d); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record decision")
	}
	return nil
}

// PDF appends a history row for a signed artifact.
func (w *Writer) PDF(ctx context.Context, r *domain.PDFRecord) error {
	if err := w.stores.PDFs.Append(ctx, r); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record pdf history")
	}
	return nil
}
