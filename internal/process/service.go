package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/ports"
	"subsidy/internal/process/metrics"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/sentinel"
	"subsidy/pkg/requestcontext"
)

const tracerName = "subsidy/internal/process"

// Service runs the process state machine. Every mutating operation is one unit of work:
// the process row (compare-and-swap on its version), the decision when there is one, and
// exactly one audit event commit together or not at all.
type Service struct {
	uow       storage.UnitOfWork
	directory ports.Directory
	catalog   ports.Catalog
	renderer  ports.Renderer
	sequencer ports.Sequencer
	sealer    ports.Sealer
	schema    ports.FormSchema
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSealer seals the provenance of every signature.
func WithSealer(sealer ports.Sealer) Option {
	return func(s *Service) {
		s.sealer = sealer
	}
}

// WithFormSchema checks the form against a schema on submission.
func WithFormSchema(schema ports.FormSchema) Option {
	return func(s *Service) {
		s.schema = schema
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(tracerName)
	}
}

func New(
	uow storage.UnitOfWork,
	directory ports.Directory,
	catalog ports.Catalog,
	renderer ports.Renderer,
	sequencer ports.Sequencer,
	opts ...Option,
) *Service {
	s := &Service{
		uow:       uow,
		directory: directory,
		catalog:   catalog,
		renderer:  renderer,
		sequencer: sequencer,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput names the parties of a new application.
type CreateInput struct {
	BeneficiaryID id.UserID
	LandlordID    *id.UserID
}

// Create opens a DRAFT process with the next code of the current year.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateInput) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpCreate, id.ProcessID{})
	defer func() { s.end(op, p, err) }()

	if err := Authorize(OpCreate, actor.Role); err != nil {
		return nil, err
	}
	if err := s.requireUser(ctx, in.BeneficiaryID, domain.RoleBeneficiary); err != nil {
		return nil, err
	}
	if in.LandlordID != nil {
		if err := s.requireUser(ctx, *in.LandlordID, domain.RoleLandlord); err != nil {
			return nil, err
		}
	}

	now := requestcontext.Now(ctx)
	p, err = s.insertProcess(ctx, actor, in, now)
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		// the counter fell behind the table, e.g. an in-memory sequencer after a restart
		if err := s.RestoreSequence(ctx, now.Year()); err != nil {
			return nil, err
		}
		p, err = s.insertProcess(ctx, actor, in, now)
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "process created",
		"request_id", requestcontext.RequestID(ctx),
		"process_id", p.ID,
		"code", p.Code,
		"actor_role", actor.Role,
	)
	return p, nil
}

func (s *Service) insertProcess(ctx context.Context, actor domain.Actor, in CreateInput, now time.Time) (*domain.Process, error) {
	seq, err := s.sequencer.Next(ctx, now.Year())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "failed to allocate process code")
	}
	p, err := domain.NewProcess(id.NewProcessID(), domain.FormatCode(now.Year(), seq), in.BeneficiaryID, in.LandlordID, now)
	if err != nil {
		return nil, err
	}

	err = s.uow.RunInTx(ctx, func(stores storage.Stores) error {
		if err := stores.Processes.Create(ctx, p); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "process code already taken: "+p.Code)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create process")
		}
		detail := map[string]any{
			"code":           p.Code,
			"beneficiary_id": p.BeneficiaryID.String(),
		}
		if p.LandlordID != nil {
			detail["landlord_id"] = p.LandlordID.String()
		}
		_, err := ledger.NewWriter(stores).Event(ctx, ledger.Entry{
			ProcessID:   p.ID,
			Kind:        domain.EventCreation,
			Description: "process " + p.Code + " created",
			Detail:      detail,
			Actor:       &actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RestoreSequence raises the code counter for year past the highest code already stored.
// Sequencers that cannot be seeded are left alone.
func (s *Service) RestoreSequence(ctx context.Context, year int) error {
	seeder, ok := s.sequencer.(ports.SequenceSeeder)
	if !ok {
		return nil
	}
	code, err := s.uow.Stores().Processes.LastCode(ctx, domain.CodePrefix(year))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read the last process code")
	}
	if code == "" {
		return nil
	}
	_, last, ok := domain.ParseCode(code)
	if !ok {
		return dErrors.New(dErrors.CodeInvariantViolation, "stored process code is malformed: "+code)
	}
	if err := seeder.Seed(ctx, year, last); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "failed to seed process codes")
	}
	s.logger.InfoContext(ctx, "process code sequence restored", "year", year, "last_code", code)
	return nil
}

func (s *Service) requireUser(ctx context.Context, userID id.UserID, role domain.Role) error {
	ok, err := s.directory.ExistsWithRole(ctx, userID, role)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "identity directory unavailable")
	}
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("%s not found: %s", role, userID))
	}
	return nil
}

// UpdateForm replaces the whole form payload. Only the owner may edit, and only while the
// process is a draft or awaiting correction.
func (s *Service) UpdateForm(ctx context.Context, actor domain.Actor, processID id.ProcessID, form domain.FormPayload) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpUpdateForm, processID)
	defer func() { s.end(op, p, err) }()

	if err := Authorize(OpUpdateForm, actor.Role); err != nil {
		return nil, err
	}
	p, _, err = s.mutate(ctx, processID, func(_ storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		if !p.IsOwner(actor.ID) {
			return nil, dErrors.New(dErrors.CodeForbidden, "only the beneficiary can edit the form")
		}
		if !p.State.IsEditable() {
			return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("form cannot be edited in state %s", p.State))
		}
		p.ReplaceForm(form, requestcontext.Now(ctx))
		return &ledger.Entry{
			Kind:        domain.EventEdit,
			Description: "form updated",
			Detail:      map[string]any{"fields": len(form)},
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Submit sends a complete application for validation: the first time from DRAFT, later
// from NEEDS_CORRECTION straight back into document validation.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, processID id.ProcessID) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpSubmit, processID)
	defer func() { s.end(op, p, err) }()

	if err := Authorize(OpSubmit, actor.Role); err != nil {
		return nil, err
	}
	mandatory, err := s.catalog.ListMandatory(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "catalog unavailable")
	}

	var from domain.State
	p, from, err = s.mutate(ctx, processID, func(stores storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		if !p.IsOwner(actor.ID) {
			return nil, dErrors.New(dErrors.CodeForbidden, "only the beneficiary can submit the process")
		}
		to, err := Target(OpSubmit, p.State)
		if err != nil {
			return nil, err
		}

		active, err := stores.Documents.ListByProcess(ctx, p.ID, true)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
		}
		if missing := missingDocuments(mandatory, active, p.Form == nil); missing != nil {
			return nil, dErrors.Wrap(missing, dErrors.CodeConflict, "process is incomplete")
		}
		if s.schema != nil {
			if err := s.schema.Validate(ctx, p.Form); err != nil {
				if dErrors.CodeOf(err) == dErrors.CodeInternal {
					return nil, dErrors.Wrap(err, dErrors.CodeDependency, "form schema check failed")
				}
				return nil, err
			}
		}

		now := requestcontext.Now(ctx)
		prev := p.State
		first := p.SubmittedAt == nil
		p.MarkSubmitted(now)
		p.MoveTo(to, now)

		description := "process submitted"
		if !first {
			description = "process resubmitted after correction"
		}
		return &ledger.Entry{
			Kind:        domain.EventSubmission,
			Description: description,
			Detail:      transitionDetail(prev, to),
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, p, from, actor)
	return p, nil
}

// StartValidation moves a submitted process into document validation.
func (s *Service) StartValidation(ctx context.Context, actor domain.Actor, processID id.ProcessID) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpStartValidation, processID)
	defer func() { s.end(op, p, err) }()

	if err := Authorize(OpStartValidation, actor.Role); err != nil {
		return nil, err
	}
	var from domain.State
	p, from, err = s.mutate(ctx, processID, func(_ storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		to, err := Target(OpStartValidation, p.State)
		if err != nil {
			return nil, err
		}
		prev := p.State
		p.MoveTo(to, requestcontext.Now(ctx))
		return &ledger.Entry{
			Kind:        domain.EventValidation,
			Description: "document validation started",
			Detail:      transitionDetail(prev, to),
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, p, from, actor)
	return p, nil
}

// mutate loads the process inside a unit of work, lets fn change it and describe the
// change, then writes the process with a version check and appends the event.
func (s *Service) mutate(
	ctx context.Context,
	processID id.ProcessID,
	fn func(stores storage.Stores, p *domain.Process) (*ledger.Entry, error),
) (*domain.Process, domain.State, error) {
	var (
		out  *domain.Process
		from domain.State
	)
	err := s.uow.RunInTx(ctx, func(stores storage.Stores) error {
		p, err := stores.Processes.Get(ctx, processID)
		if err != nil {
			return translate(err, "process not found", "failed to load process")
		}
		from = p.State

		entry, err := fn(stores, p)
		if err != nil {
			return err
		}
		if err := stores.Processes.Update(ctx, p); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "process was modified concurrently")
			}
			return translate(err, "process not found", "failed to update process")
		}
		entry.ProcessID = p.ID
		if _, err := ledger.NewWriter(stores).Event(ctx, *entry); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, from, nil
}

func transitionDetail(from, to domain.State) map[string]any {
	return map[string]any{"from_state": string(from), "to_state": string(to)}
}

// transitioned logs and counts a committed state change.
func (s *Service) transitioned(ctx context.Context, p *domain.Process, from domain.State, actor domain.Actor) {
	s.logger.InfoContext(ctx, "process transitioned",
		"request_id", requestcontext.RequestID(ctx),
		"process_id", p.ID,
		"code", p.Code,
		"from_state", from,
		"to_state", p.State,
		"actor_role", actor.Role,
	)
	if s.metrics != nil {
		s.metrics.IncrementTransition(string(from), string(p.State))
	}
}

type opScope struct {
	op    Operation
	span  trace.Span
	start time.Time
}

func (s *Service) begin(ctx context.Context, op Operation, processID id.ProcessID) (context.Context, *opScope) {
	ctx, span := s.tracer.Start(ctx, "process."+string(op))
	if !processID.IsNil() {
		span.SetAttributes(attribute.String("process.id", processID.String()))
	}
	return ctx, &opScope{op: op, span: span, start: time.Now()}
}

func (s *Service) end(sc *opScope, p *domain.Process, err error) {
	defer sc.span.End()
	if s.metrics != nil {
		s.metrics.ObserveOperation(string(sc.op), sc.start)
	}
	if err != nil {
		sc.span.RecordError(err)
		sc.span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		if s.metrics != nil && dErrors.HasCode(err, dErrors.CodeConflict) {
			s.metrics.IncrementConflict(string(sc.op))
		}
		return
	}
	if p != nil {
		sc.span.SetAttributes(
			attribute.String("process.id", p.ID.String()),
			attribute.String("process.state", string(p.State)),
		)
	}
}
