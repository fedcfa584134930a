// Package storage defines the persistence contracts of the process engine and an
// in-memory implementation of them.
//
// Stores report infrastructure facts with pkg/platform/sentinel errors; services
// translate those into domain errors.
package storage

import (
	"context"
	"time"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
)

type ProcessStore interface {
	// Create fails with sentinel.ErrConflict when the code is taken.
	Create(ctx context.Context, p *domain.Process) error
	Get(ctx context.Context, processID id.ProcessID) (*domain.Process, error)
	// Update is a compare-and-swap on Version. On success p.Version is bumped.
	Update(ctx context.Context, p *domain.Process) error
	List(ctx context.Context, filter ProcessFilter) ([]*domain.Process, int, error)
	CountByState(ctx context.Context) (map[domain.State]int, error)
	// LastCode is the greatest code starting with prefix, or "" when there is none.
	LastCode(ctx context.Context, prefix string) (string, error)
}

type DocumentStore interface {
	Create(ctx context.Context, d *domain.Document) error
	Get(ctx context.Context, documentID id.DocumentID) (*domain.Document, error)
	Update(ctx context.Context, d *domain.Document) error
	Delete(ctx context.Context, documentID id.DocumentID) error
	ListByProcess(ctx context.Context, processID id.ProcessID, activeOnly bool) ([]*domain.Document, error)
	// MaxVersion returns 0 when no version of docType exists.
	MaxVersion(ctx context.Context, processID id.ProcessID, docType string) (int, error)
	// DeactivateType clears the active flag of every version of docType.
	DeactivateType(ctx context.Context, processID id.ProcessID, docType string) error
}

type DecisionStore interface {
	Append(ctx context.Context, d *domain.Decision) error
	ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.Decision, error)
}

type EventStore interface {
	// Append assigns e.Seq.
	Append(ctx context.Context, e *domain.AuditEvent) error
	ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.AuditEvent, error)
	Search(ctx context.Context, filter EventFilter) ([]*domain.AuditEvent, int, error)
	CountByKind(ctx context.Context) (map[domain.EventKind]int, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

type PDFHistoryStore interface {
	Append(ctx context.Context, r *domain.PDFRecord) error
	ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.PDFRecord, error)
}

// OutboxStore exposes audit events that have not been relayed yet.
type OutboxStore interface {
	Unpublished(ctx context.Context, limit int) ([]*domain.AuditEvent, error)
	MarkPublished(ctx context.Context, eventIDs []id.EventID, at time.Time) error
}

// ProcessFilter narrows process listings. Ownership fields and VisibleStates come from
// the visibility rule; State and Search come from the caller.
type ProcessFilter struct {
	BeneficiaryID *id.UserID
	LandlordID    *id.UserID
	VisibleStates []domain.State
	State         *domain.State
	Search        string
	Offset        int
	Limit         int
}

// EventFilter narrows the global event search.
type EventFilter struct {
	ProcessID *id.ProcessID
	ActorID   *id.UserID
	Kind      *domain.EventKind
	From      *time.Time
	To        *time.Time
	Offset    int
	Limit     int
}

// Stores groups the repositories one transaction can touch.
type Stores struct {
	Processes ProcessStore
	Documents DocumentStore
	Decisions DecisionStore
	Events    EventStore
	PDFs      PDFHistoryStore
}

// UnitOfWork runs fn atomically: every write inside fn commits or none does.
// Stores returns non-transactional handles for reads.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(stores Stores) error) error
	Stores() Stores
}
