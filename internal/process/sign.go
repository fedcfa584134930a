package process

import (
	"context"
	"fmt"
	"time"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/ports"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/provenance"
	"subsidy/pkg/requestcontext"
)

// Sign renders the resolution PDF, attaches it to the process and moves it to SIGNED.
// A rendering failure leaves the process untouched.
func (s *Service) Sign(ctx context.Context, actor domain.Actor, processID id.ProcessID) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpSign, processID)
	defer func() { s.end(op, p, err) }()
	start := time.Now()

	if err := Authorize(OpSign, actor.Role); err != nil {
		return nil, err
	}

	var from domain.State
	p, from, err = s.mutate(ctx, processID, func(stores storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		to, err := Target(OpSign, p.State)
		if err != nil {
			return nil, err
		}
		snapshot, err := s.snapshot(ctx, stores, p)
		if err != nil {
			return nil, err
		}
		artifact, err := s.renderer.Render(ctx, snapshot)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "failed to render resolution")
		}

		now := requestcontext.Now(ctx)
		prov := provenance.FromContext(ctx)
		signed := domain.SignedArtifact{
			Ref:        artifact.Ref,
			Hash:       artifact.Hash,
			SignedAt:   now,
			SignedBy:   actor.ID,
			Provenance: prov,
		}
		if s.sealer != nil {
			signed.Seal = s.sealer.Seal(sealInput(p.ID, snapshot.Version, signed))
		}
		prev := p.State
		p.ApplySignature(signed)
		p.MoveTo(to, now)

		if err := ledger.NewWriter(stores).PDF(ctx, &domain.PDFRecord{
			ProcessID:   p.ID,
			Version:     p.PDFVersion,
			ArtifactRef: signed.Ref,
			Hash:        signed.Hash,
			Seal:        signed.Seal,
			GeneratedBy: actor.ID,
			GeneratedAt: now,
		}); err != nil {
			return nil, err
		}

		detail := transitionDetail(prev, to)
		detail["pdf_version"] = p.PDFVersion
		detail["hash"] = signed.Hash
		return &ledger.Entry{
			Kind:        domain.EventSignature,
			Description: fmt.Sprintf("resolution signed (pdf version %d)", p.PDFVersion),
			Detail:      detail,
			Actor:       &actor,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ObserveSign(start)
	}
	s.transitioned(ctx, p, from, actor)
	return p, nil
}

// snapshot is the read-only view handed to the renderer: approved active documents and
// the decision history.
func (s *Service) snapshot(ctx context.Context, stores storage.Stores, p *domain.Process) (ports.Snapshot, error) {
	docs, err := stores.Documents.ListByProcess(ctx, p.ID, true)
	if err != nil {
		return ports.Snapshot{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
	}
	decisions, err := stores.Decisions.ListByProcess(ctx, p.ID)
	if err != nil {
		return ports.Snapshot{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list decisions")
	}
	snap := ports.Snapshot{
		Process: *p.Clone(),
		Version: p.PDFVersion + 1,
	}
	for _, d := range docs {
		if d.Validation == domain.ValidationApproved {
			snap.Documents = append(snap.Documents, *d)
		}
	}
	for _, d := range decisions {
		snap.Decisions = append(snap.Decisions, *d)
	}
	return snap, nil
}

func sealInput(processID id.ProcessID, pdfVersion int, a domain.SignedArtifact) ports.SealInput {
	return ports.SealInput{
		ProcessID:    processID,
		PDFVersion:   pdfVersion,
		ArtifactHash: a.Hash,
		SignerID:     a.SignedBy,
		ClientIP:     a.Provenance.ClientIP,
		UserAgent:    a.Provenance.UserAgent,
		SignedAtUnix: a.SignedAt.Unix(),
	}
}

// VerifySignature recomputes the seal of a signed process. It reports false when the
// process carries no seal or when no sealer is configured.
func (s *Service) VerifySignature(ctx context.Context, viewer domain.Actor, processID id.ProcessID) (bool, error) {
	p, err := s.Get(ctx, viewer, processID)
	if err != nil {
		return false, err
	}
	if !p.Signed || p.Artifact == nil {
		return false, dErrors.New(dErrors.CodeConflict, "process has not been signed")
	}
	if s.sealer == nil || p.Artifact.Seal == "" {
		return false, nil
	}
	return s.sealer.Verify(sealInput(p.ID, p.PDFVersion, *p.Artifact), p.Artifact.Seal), nil
}

// Close archives a signed process.
func (s *Service) Close(ctx context.Context, actor domain.Actor, processID id.ProcessID) (p *domain.Process, err error) {
	ctx, op := s.begin(ctx, OpClose, processID)
	defer func() { s.end(op, p, err) }()

	if err := Authorize(OpClose, actor.Role); err != nil {
		return nil, err
	}
	var from domain.State
	p, from, err = s.mutate(ctx, processID, func(_ storage.Stores, p *domain.Process) (*ledger.Entry, error) {
		to, err := Target(OpClose, p.State)
		if err != nil {
			return nil, err
		}
		now := requestcontext.Now(ctx)
		prev := p.State
		p.MoveTo(to, now)
		p.MarkClosed(actor.ID, now)
		return &ledger.Entry{
			Kind:        domain.EventClosure,
			Description: "process closed",
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
