package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
	"subsidy/pkg/requestcontext"
)

type LedgerSuite struct {
	suite.Suite
	mem *storage.Memory
	ctx context.Context
	now time.Time
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.mem = storage.NewMemory()
	s.now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), s.now)
	s.ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.7", "curl/8.0")
}

func (s *LedgerSuite) TestEventIsStamped() {
	processID := id.NewProcessID()
	actor := domain.Actor{ID: id.NewUserID(), Role: domain.RoleValidator}

	var ev *domain.AuditEvent
	err := s.mem.RunInTx(s.ctx, func(stores storage.Stores) error {
		var err error
		ev, err = NewWriter(stores).Event(s.ctx, Entry{
			ProcessID:   processID,
			Kind:        domain.EventValidation,
			Description: "validation started",
			Actor:       &actor,
		})
		return err
	})
	s.Require().NoError(err)

	s.Equal(s.now, ev.OccurredAt)
	s.Equal("203.0.113.7", ev.Provenance.ClientIP)
	s.Require().NotNil(ev.ActorID)
	s.Equal(actor.ID, *ev.ActorID)
	s.Equal(domain.RoleValidator, ev.ActorRole)

	events, err := NewReader(s.mem.Stores()).Events(s.ctx, processID)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(ev.ID, events[0].ID)
}

func (s *LedgerSuite) TestEventWithoutActor() {
	ev, err := NewWriter(s.mem.Stores()).Event(s.ctx, Entry{
		ProcessID: id.NewProcessID(),
		Kind:      domain.EventEdit,
	})
	s.Require().NoError(err)
	s.Nil(ev.ActorID)
	s.Empty(ev.ActorRole)
}

func (s *LedgerSuite) TestDecisionsInOrder() {
	processID := id.NewProcessID()
	w := NewWriter(s.mem.Stores())
	first, err := domain.NewDecision(processID, domain.StateDocsInValidation, domain.StateDocsValidated,
		true, "", id.NewUserID(), domain.RoleValidator, provenance.Provenance{}, s.now)
	s.Require().NoError(err)
	second, err := domain.NewDecision(processID, domain.StateDocsValidated, domain.StateRejected,
		false, "income below threshold", id.NewUserID(), domain.RoleDirector, provenance.Provenance{}, s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().NoError(w.Decision(s.ctx, first))
	s.Require().NoError(w.Decision(s.ctx, second))

	got, err := NewReader(s.mem.Stores()).Decisions(s.ctx, processID)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(first.ID, got[0].ID)
	s.Equal("income below threshold", got[1].Rationale)
}

func (s *LedgerSuite) TestSearch() {
	w := NewWriter(s.mem.Stores())
	processID := id.NewProcessID()
	for i := range 5 {
		ctx := requestcontext.WithTime(s.ctx, s.now.Add(time.Duration(i)*time.Hour))
		kind := domain.EventEdit
		if i%2 == 0 {
			kind = domain.EventValidation
		}
		_, err := w.Event(ctx, Entry{ProcessID: processID, Kind: kind})
		s.Require().NoError(err)
	}

	s.Run("filters by kind", func() {
		kind := domain.EventValidation
		page, err := NewReader(s.mem.Stores()).Search(s.ctx, SearchQuery{Kind: &kind})
		s.Require().NoError(err)
		s.Equal(3, page.Total)
		s.Len(page.Events, 3)
	})

	s.Run("paginates newest first", func() {
		page, err := NewReader(s.mem.Stores()).Search(s.ctx, SearchQuery{ProcessID: &processID, Page: 2, Limit: 2})
		s.Require().NoError(err)
		s.Equal(5, page.Total)
		s.Require().Len(page.Events, 2)
		s.True(page.Events[0].OccurredAt.After(page.Events[1].OccurredAt))
	})

	s.Run("inverted window is a validation error", func() {
		from, to := s.now, s.now.Add(-time.Hour)
		_, err := NewReader(s.mem.Stores()).Search(s.ctx, SearchQuery{From: &from, To: &to})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *LedgerSuite) TestStatistics() {
	stores := s.mem.Stores()
	for seq := int64(1); seq <= 3; seq++ {
		p, err := domain.NewProcess(id.NewProcessID(), domain.FormatCode(2024, seq), id.NewUserID(), nil, s.now)
		s.Require().NoError(err)
		s.Require().NoError(stores.Processes.Create(s.ctx, p))
	}
	w := NewWriter(stores)
	old := requestcontext.WithTime(s.ctx, s.now.Add(-60*24*time.Hour))
	_, err := w.Event(old, Entry{ProcessID: id.NewProcessID(), Kind: domain.EventCreation})
	s.Require().NoError(err)
	_, err = w.Event(s.ctx, Entry{ProcessID: id.NewProcessID(), Kind: domain.EventCreation})
	s.Require().NoError(err)

	stats, err := NewReader(stores).Statistics(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, stats.TotalProcesses)
	s.Equal(3, stats.ByState[domain.StateDraft])
	s.Equal(2, stats.ByEventKind[domain.EventCreation])
	s.Equal(1, stats.RecentEvents)
}

func TestNormalizePage(t *testing.T) {
	cases := []struct{ page, limit, wantPage, wantLimit int }{
		{0, 0, 1, defaultPageSize},
		{3, 10, 3, 10},
		{-1, 500, 1, maxPageSize},
	}
	for _, c := range cases {
		p, l := NormalizePage(c.page, c.limit)
		if p != c.wantPage || l != c.wantLimit {
			t.Errorf("NormalizePage(%d, %d) = %d, %d", c.page, c.limit, p, l)
		}
	}
}
