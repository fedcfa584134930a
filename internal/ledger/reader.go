package ledger

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/requestcontext"
)

// RecentWindow is the span counted as recent activity in statistics.
const RecentWindow = 30 * 24 * time.Hour

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Reader serves ledger queries from non-transactional stores.
type Reader struct {
	stores storage.Stores
}

func NewReader(stores storage.Stores) *Reader {
	return &Reader{stores: stores}
}

// Events returns a process's events in append order.
func (r *Reader) Events(ctx context.Context, processID id.ProcessID) ([]*domain.AuditEvent, error) {
	events, err := r.stores.Events.ListByProcess(ctx, processID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list events")
	}
	return events, nil
}

// Decisions returns a process's decisions in the order they were taken.
func (r *Reader) Decisions(ctx context.Context, processID id.ProcessID) ([]*domain.Decision, error) {
	decisions, err := r.stores.Decisions.ListByProcess(ctx, processID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list decisions")
	}
	return decisions, nil
}

// PDFHistory returns every signed artifact of a process, oldest first.
func (r *Reader) PDFHistory(ctx context.Context, processID id.ProcessID) ([]*domain.PDFRecord, error) {
	records, err := r.stores.PDFs.ListByProcess(ctx, processID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pdf history")
	}
	return records, nil
}

// EventPage is one page of a global event search.
type EventPage struct {
	Events []*domain.AuditEvent `json:"events"`
	Total  int                  `json:"total"`
	Page   int                  `json:"page"`
	Limit  int                  `json:"limit"`
}

// SearchQuery is the caller-facing event search. Page is 1-based.
type SearchQuery struct {
	ProcessID *id.ProcessID
	ActorID   *id.UserID
	Kind      *domain.EventKind
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

// Search runs a paginated, newest-first event search.
func (r *Reader) Search(ctx context.Context, q SearchQuery) (*EventPage, error) {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, dErrors.New(dErrors.CodeValidation, "from must not be after to")
	}
	page, limit := NormalizePage(q.Page, q.Limit)
	events, total, err := r.stores.Events.Search(ctx, storage.EventFilter{
		ProcessID: q.ProcessID,
		ActorID:   q.ActorID,
		Kind:      q.Kind,
		From:      q.From,
		To:        q.To,
		Offset:    (page - 1) * limit,
		Limit:     limit,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search events")
	}
	return &EventPage{Events: events, Total: total, Page: page, Limit: limit}, nil
}

// NormalizePage clamps a 1-based page and its size.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// Statistics aggregates the whole ledger.
type Statistics struct {
	TotalProcesses int                      `json:"total_processes"`
	ByState        map[domain.State]int     `json:"by_state"`
	ByEventKind    map[domain.EventKind]int `json:"by_event_kind"`
	RecentEvents   int                      `json:"recent_events"`
	Since          time.Time                `json:"since"`
}

// Statistics runs the three counts concurrently.
func (r *Reader) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{Since: requestcontext.Now(ctx).Add(-RecentWindow)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		byState, err := r.stores.Processes.CountByState(gctx)
		if err != nil {
			return err
		}
		stats.ByState = byState
		return nil
	})
	g.Go(func() error {
		byKind, err := r.stores.Events.CountByKind(gctx)
		if err != nil {
			return err
		}
		stats.ByEventKind = byKind
		return nil
	})
	g.Go(func() error {
		recent, err := r.stores.Events.CountSince(gctx, stats.Since)
		if err != nil {
			return err
		}
		stats.RecentEvents = recent
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute statistics")
	}

	for _, n := range stats.ByState {
		stats.TotalProcesses += n
	}
	return stats, nil
}
