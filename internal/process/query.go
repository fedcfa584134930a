package process

import (
	"context"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
)

// Get returns a process the viewer is allowed to see.
func (s *Service) Get(ctx context.Context, viewer domain.Actor, processID id.ProcessID) (*domain.Process, error) {
	p, err := s.uow.Stores().Processes.Get(ctx, processID)
	if err != nil {
		return nil, translate(err, "process not found", "failed to load process")
	}
	if !CanView(p, viewer.AsUser()) {
		return nil, dErrors.New(dErrors.CodeForbidden, "process is not visible to this user")
	}
	return p, nil
}

// ListQuery filters a listing. Page is 1-based.
type ListQuery struct {
	State  *domain.State
	Search string
	Page   int
	Limit  int
}

// ProcessPage is one page of a listing, most recently updated first.
type ProcessPage struct {
	Processes []*domain.Process `json:"processes"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Limit     int               `json:"limit"`
}

// List applies the visibility rule of the viewer's role before the caller's filters.
func (s *Service) List(ctx context.Context, viewer domain.Actor, q ListQuery) (*ProcessPage, error) {
	page, limit := ledger.NormalizePage(q.Page, q.Limit)
	filter := storage.ProcessFilter{
		State:  q.State,
		Search: q.Search,
		Offset: (page - 1) * limit,
		Limit:  limit,
	}
	switch viewer.Role {
	case domain.RoleBeneficiary:
		filter.BeneficiaryID = &viewer.ID
	case domain.RoleLandlord:
		filter.LandlordID = &viewer.ID
	case domain.RoleValidator:
	default:
		states, ok := VisibleStates(viewer.Role)
		if !ok {
			return nil, dErrors.New(dErrors.CodeForbidden, "role cannot list processes")
		}
		filter.VisibleStates = states
	}

	processes, total, err := s.uow.Stores().Processes.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list processes")
	}
	if processes == nil {
		processes = []*domain.Process{}
	}
	return &ProcessPage{Processes: processes, Total: total, Page: page, Limit: limit}, nil
}

// Timeline returns the events of a process in order. Citizens see who acted only by role.
func (s *Service) Timeline(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]domain.AuditEvent, error) {
	if _, err := s.Get(ctx, viewer, processID); err != nil {
		return nil, err
	}
	events, err := ledger.NewReader(s.uow.Stores()).Events(ctx, processID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, 0, len(events))
	for _, e := range events {
		if viewer.IsCitizen() {
			out = append(out, e.Redacted())
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// Decisions returns the decision history. Landlords may not see it and beneficiaries
// see only the acting roles.
func (s *Service) Decisions(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]domain.Decision, error) {
	if viewer.Role == domain.RoleLandlord {
		return nil, dErrors.New(dErrors.CodeForbidden, "landlords cannot view decisions")
	}
	if _, err := s.Get(ctx, viewer, processID); err != nil {
		return nil, err
	}
	decisions, err := ledger.NewReader(s.uow.Stores()).Decisions(ctx, processID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Decision, 0, len(decisions))
	for _, d := range decisions {
		c := *d
		if viewer.IsCitizen() {
			c.ActorID = id.UserID{}
			c.Provenance = provenance.Provenance{}
		}
		out = append(out, c)
	}
	return out, nil
}

// PDFHistory lists every signed artifact of a process, oldest first.
func (s *Service) PDFHistory(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.PDFRecord, error) {
	if _, err := s.Get(ctx, viewer, processID); err != nil {
		return nil, err
	}
	return ledger.NewReader(s.uow.Stores()).PDFHistory(ctx, processID)
}

// SearchEvents runs the global event search. Staff only.
func (s *Service) SearchEvents(ctx context.Context, viewer domain.Actor, q ledger.SearchQuery) (*ledger.EventPage, error) {
	if !viewer.Role.IsStaff() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only staff can search the audit ledger")
	}
	return ledger.NewReader(s.uow.Stores()).Search(ctx, q)
}

// Statistics aggregates processes and events. Staff only.
func (s *Service) Statistics(ctx context.Context, viewer domain.Actor) (*ledger.Statistics, error) {
	if !viewer.Role.IsStaff() {
		return nil, dErrors.New(dErrors.CodeForbidden, "only staff can view statistics")
	}
	return ledger.NewReader(s.uow.Stores()).Statistics(ctx)
}
