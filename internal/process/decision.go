package process

import (
	"context"
	"fmt"
	"strings"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
	"subsidy/pkg/requestcontext"
)

// DecisionInput is an approve or reject verdict. The caller states what it acted on:
// ExpectedState, ExpectedVersion or both. Both are checked inside the transaction.
type DecisionInput struct {
	Approved        bool
	Rationale       string
	ExpectedState   domain.State
	ExpectedVersion *int64
}

// DecisionResult is the process after the decision and the decision record itself.
type DecisionResult struct {
	Process  *domain.Process  `json:"process"`
	Decision *domain.Decision `json:"decision"`
}

// MakeDecision approves or rejects at the current review stage. The acting role must
// be allowed to decide in the current state; a rejection always ends in REJECTED and
// an approval follows the decision table.
func (s *Service) MakeDecision(ctx context.Context, actor domain.Actor, processID id.ProcessID, in DecisionInput) (res *DecisionResult, err error) {
	ctx, op := s.begin(ctx, OpMakeDecision, processID)
	defer func() {
		var p *domain.Process
		if res != nil {
			p = res.Process
		}
		s.end(op, p, err)
	}()

	if in.ExpectedState == "" && in.ExpectedVersion == nil {
		return nil, dErrors.New(dErrors.CodePrecondition, "a decision must name the expected state or version")
	}
	if in.ExpectedState != "" && !in.ExpectedState.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown expected state: "+string(in.ExpectedState))
	}

	var (
		decision *domain.Decision
		from     domain.State
	)
	p, from, err := s.mutate(ctx, processID, func(stores storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		if in.ExpectedVersion != nil && p.Version != *in.ExpectedVersion {
			return nil, dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("process changed: expected version %d, found %d", *in.ExpectedVersion, p.Version))
		}
		if in.ExpectedState != "" && p.State != in.ExpectedState {
			return nil, dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("process changed: expected state %s, found %s", in.ExpectedState, p.State))
		}
		if err := AuthorizeDecision(p.State, actor.Role); err != nil {
			return nil, err
		}
		to, ok := DecisionTarget(p.State, in.Approved)
		if !ok {
			return nil, dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("approval in state %s is given by signing", p.State))
		}
		if in.Approved && p.State == domain.StateDocsInValidation {
			if err := requireApprovedDocuments(ctx, stores, p.ID); err != nil {
				return nil, err
			}
		}

		now := requestcontext.Now(ctx)
		var err error
		decision, err = domain.NewDecision(p.ID, p.State, to, in.Approved, in.Rationale,
			actor.ID, actor.Role, provenance.FromContext(ctx), now)
		if err != nil {
			return nil, err
		}
		if err := ledger.NewWriter(stores).Decision(ctx, decision); err != nil {
			return nil, err
		}
		p.MoveTo(to, now)

		kind, verb := domain.EventApproval, "approved"
		if !in.Approved {
			kind, verb = domain.EventRejection, "rejected"
		}
		detail := transitionDetail(decision.FromState, to)
		detail["decision_id"] = decision.ID.String()
		if in.Rationale != "" {
			detail["rationale"] = in.Rationale
		}
		return &ledger.Entry{
			Kind:        kind,
			Description: fmt.Sprintf("%s %s at %s", actor.Role, verb, decision.FromState),
			Detail:      detail,
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementDecision(string(actor.Role), in.Approved)
	}
	s.transitioned(ctx, p, from, actor)
	return &DecisionResult{Process: p, Decision: decision}, nil
}

func requireApprovedDocuments(ctx context.Context, stores storage.Stores, processID id.ProcessID) error {
	docs, err := stores.Documents.ListByProcess(ctx, processID, true)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
	}
	var pending []string
	for _, d := range docs {
		if d.Validation != domain.ValidationApproved {
			pending = append(pending, d.Type)
		}
	}
	if len(pending) > 0 {
		return dErrors.Wrap(&UnapprovedError{Types: pending}, dErrors.CodeConflict, "documents are still under review")
	}
	return nil
}

// RequestCorrection sends the process back to the beneficiary with a rationale.
func (s *Service) RequestCorrection(ctx context.Context, actor domain.Actor, processID id.ProcessID, rationale string) (res *DecisionResult, err error) {
	ctx, op := s.begin(ctx, OpRequestCorrection, processID)
	defer func() {
		var p *domain.Process
		if res != nil {
			p = res.Process
		}
		s.end(op, p, err)
	}()

	if err := Authorize(OpRequestCorrection, actor.Role); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rationale) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rationale is required")
	}

	var (
		decision *domain.Decision
		from     domain.State
	)
	p, from, err := s.mutate(ctx, processID, func(stores storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		to, err := Target(OpRequestCorrection, p.State)
		if err != nil {
			return nil, err
		}
		now := requestcontext.Now(ctx)
		decision, err = domain.NewDecision(p.ID, p.State, to, false, rationale,
			actor.ID, actor.Role, provenance.FromContext(ctx), now)
		if err != nil {
			return nil, err
		}
		if err := ledger.NewWriter(stores).Decision(ctx, decision); err != nil {
			return nil, err
		}
		p.MoveTo(to, now)

		detail := transitionDetail(decision.FromState, to)
		detail["decision_id"] = decision.ID.String()
		detail["rationale"] = rationale
		return &ledger.Entry{
			Kind:        domain.EventCorrectionRequested,
			Description: "correction requested",
			Detail:      detail,
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementDecision(string(actor.Role), false)
	}
	s.transitioned(ctx, p, from, actor)
	return &DecisionResult{Process: p, Decision: decision}, nil
}
