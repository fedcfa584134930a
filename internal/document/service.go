// Package document implements the document gate: per-type uploads with versioning,
// validator review and the "are all mandatory documents present" checks the state
// machine relies on.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/ports"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/sentinel"
	"subsidy/pkg/provenance"
	"subsidy/pkg/requestcontext"
)

// Service orchestrates uploads, reviews and removals of process documents.
type Service struct {
	uow     storage.UnitOfWork
	blobs   ports.BlobStorage
	catalog ports.Catalog
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(uow storage.UnitOfWork, blobs ports.BlobStorage, catalog ports.Catalog, opts ...Option) *Service {
	s := &Service{uow: uow, blobs: blobs, catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload is one file sent for a catalog type.
type Upload struct {
	ProcessID id.ProcessID
	Type      string
	FileName  string
	MimeType  string
	Content   []byte
}

// Upload stores a new version of a document type and supersedes the previous one.
// The owner beneficiary or a validator may upload while the process is editable.
func (s *Service) Upload(ctx context.Context, actor domain.Actor, in Upload) (*domain.Document, error) {
	if actor.Role != domain.RoleBeneficiary && actor.Role != domain.RoleValidator {
		return nil, dErrors.New(dErrors.CodeForbidden, "role cannot upload documents")
	}

	p, err := s.uow.Stores().Processes.Get(ctx, in.ProcessID)
	if err != nil {
		return nil, translate(err, "process not found", "failed to load process")
	}
	if err := checkUploadAllowed(p, actor); err != nil {
		return nil, err
	}

	entry, err := s.catalog.GetEntry(ctx, in.Type)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "document type not found: "+in.Type)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "catalog unavailable")
	}
	if !entry.Active {
		return nil, dErrors.New(dErrors.CodeNotFound, "document type not found: "+in.Type)
	}
	if err := checkFile(entry, in); err != nil {
		return nil, err
	}

	ref, err := s.blobs.Store(ctx, in.FileName, in.Content)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "failed to store document")
	}

	var doc *domain.Document
	err = s.uow.RunInTx(ctx, func(stores storage.Stores) error {
		p, err := stores.Processes.Get(ctx, in.ProcessID)
		if err != nil {
			return translate(err, "process not found", "failed to load process")
		}
		if err := checkUploadAllowed(p, actor); err != nil {
			return err
		}

		prior, err := stores.Documents.MaxVersion(ctx, p.ID, entry.Type)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read document versions")
		}
		if err := stores.Documents.DeactivateType(ctx, p.ID, entry.Type); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to supersede document")
		}

		now := requestcontext.Now(ctx)
		doc = &domain.Document{
			ID:         id.NewDocumentID(),
			ProcessID:  p.ID,
			Type:       entry.Type,
			FileName:   in.FileName,
			StorageRef: ref.Ref,
			Hash:       ref.Hash,
			SizeBytes:  int64(len(in.Content)),
			MimeType:   strings.ToLower(in.MimeType),
			Version:    prior + 1,
			Active:     true,
			Validation: domain.ValidationPending,
			UploadedBy: actor.ID,
			UploadedAt: now,
		}
		if err := stores.Documents.Create(ctx, doc); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save document")
		}
		if err := touch(ctx, stores, p); err != nil {
			return err
		}
		_, err = ledger.NewWriter(stores).Event(ctx, ledger.Entry{
			ProcessID:   p.ID,
			Kind:        domain.EventEdit,
			Description: fmt.Sprintf("document %s uploaded (version %d)", entry.Name, doc.Version),
			Detail: map[string]any{
				"document_id": doc.ID.String(),
				"type":        doc.Type,
				"version":     doc.Version,
				"file_name":   doc.FileName,
				"hash":        doc.Hash,
			},
			Actor: &actor,
		})
		return err
	})
	if err != nil {
		if delErr := s.blobs.Delete(ctx, ref.Ref); delErr != nil {
			s.logger.WarnContext(ctx, "orphaned document content",
				"ref", ref.Ref,
				"error", delErr,
			)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "document uploaded",
		"request_id", requestcontext.RequestID(ctx),
		"process_id", doc.ProcessID,
		"document_id", doc.ID,
		"type", doc.Type,
		"version", doc.Version,
	)
	return doc, nil
}

// Validate records a validator's verdict on an active document while the process is
// in document validation. A rejection keeps reason verbatim.
func (s *Service) Validate(ctx context.Context, actor domain.Actor, documentID id.DocumentID, approved bool, reason string) (*domain.Document, error) {
	if actor.Role != domain.RoleValidator {
		return nil, dErrors.New(dErrors.CodeForbidden, "only validators can validate documents")
	}
	if !approved && strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rejection reason is required")
	}

	var doc *domain.Document
	err := s.uow.RunInTx(ctx, func(stores storage.Stores) error {
		var err error
		doc, err = stores.Documents.Get(ctx, documentID)
		if err != nil {
			return translate(err, "document not found", "failed to load document")
		}
		p, err := stores.Processes.Get(ctx, doc.ProcessID)
		if err != nil {
			return translate(err, "process not found", "failed to load process")
		}
		if p.State != domain.StateDocsInValidation {
			return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("documents cannot be validated in state %s", p.State))
		}
		if !doc.Active {
			return dErrors.New(dErrors.CodeConflict, "document was superseded by a newer version")
		}

		now := requestcontext.Now(ctx)
		if approved {
			doc.Approve(actor.ID, now)
		} else if err := doc.Reject(actor.ID, reason, now); err != nil {
			return err
		}
		if err := stores.Documents.Update(ctx, doc); err != nil {
			return translate(err, "document not found", "failed to update document")
		}
		if err := touch(ctx, stores, p); err != nil {
			return err
		}

		detail := map[string]any{
			"document_id": doc.ID.String(),
			"type":        doc.Type,
			"version":     doc.Version,
			"approved":    approved,
		}
		verdict := "approved"
		if !approved {
			verdict = "rejected"
			detail["reason"] = reason
		}
		_, err = ledger.NewWriter(stores).Event(ctx, ledger.Entry{
			ProcessID:   p.ID,
			Kind:        domain.EventValidation,
			Description: fmt.Sprintf("document %s %s", doc.Type, verdict),
			Detail:      detail,
			Actor:       &actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "document validated",
		"request_id", requestcontext.RequestID(ctx),
		"process_id", doc.ProcessID,
		"document_id", doc.ID,
		"approved", approved,
	)
	return doc, nil
}

// Delete removes a document and its content. Only the owner may delete, and only
// while the process is a draft. The newest remaining version of the type, if any,
// becomes active again. Content is removed once the record is gone; a failure there
// leaves orphaned content, which is logged.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, documentID id.DocumentID) error {
	if actor.Role != domain.RoleBeneficiary {
		return dErrors.New(dErrors.CodeForbidden, "only the beneficiary can delete documents")
	}

	var doc *domain.Document
	err := s.uow.RunInTx(ctx, func(stores storage.Stores) error {
		var err error
		doc, err = stores.Documents.Get(ctx, documentID)
		if err != nil {
			return translate(err, "document not found", "failed to load document")
		}
		p, err := stores.Processes.Get(ctx, doc.ProcessID)
		if err != nil {
			return translate(err, "process not found", "failed to load process")
		}
		if !p.IsOwner(actor.ID) {
			return dErrors.New(dErrors.CodeForbidden, "only the beneficiary can delete documents")
		}
		if p.State != domain.StateDraft {
			return dErrors.New(dErrors.CodeConflict, "documents cannot be deleted after submission")
		}

		if err := stores.Documents.Delete(ctx, doc.ID); err != nil {
			return translate(err, "document not found", "failed to delete document")
		}
		if doc.Active {
			if err := reactivateLatest(ctx, stores, p.ID, doc.Type); err != nil {
				return err
			}
		}
		if err := touch(ctx, stores, p); err != nil {
			return err
		}
		if _, err := ledger.NewWriter(stores).Event(ctx, ledger.Entry{
			ProcessID:   p.ID,
			Kind:        domain.EventEdit,
			Description: fmt.Sprintf("document %s deleted (version %d)", doc.Type, doc.Version),
			Detail: map[string]any{
				"document_id": doc.ID.String(),
				"type":        doc.Type,
				"version":     doc.Version,
			},
			Actor: &actor,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, doc.StorageRef); err != nil {
		s.logger.WarnContext(ctx, "orphaned document content",
			"request_id", requestcontext.RequestID(ctx),
			"document_id", doc.ID,
			"ref", doc.StorageRef,
			"error", err,
		)
	}
	return nil
}

func reactivateLatest(ctx context.Context, stores storage.Stores, processID id.ProcessID, docType string) error {
	docs, err := stores.Documents.ListByProcess(ctx, processID, false)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
	}
	var latest *domain.Document
	for _, d := range docs {
		if d.Type == docType && (latest == nil || d.Version > latest.Version) {
			latest = d
		}
	}
	if latest == nil {
		return nil
	}
	latest.Active = true
	if err := stores.Documents.Update(ctx, latest); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reactivate document")
	}
	return nil
}

// touch bumps the process version so a concurrent state change and a document change
// cannot both commit.
func touch(ctx context.Context, stores storage.Stores, p *domain.Process) error {
	p.UpdatedAt = requestcontext.Now(ctx)
	if err := stores.Processes.Update(ctx, p); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeConflict, "process was modified concurrently")
		}
		return translate(err, "process not found", "failed to update process")
	}
	return nil
}

func checkUploadAllowed(p *domain.Process, actor domain.Actor) error {
	if actor.Role == domain.RoleBeneficiary && !p.IsOwner(actor.ID) {
		return dErrors.New(dErrors.CodeForbidden, "documents can only be uploaded to your own process")
	}
	if !p.State.IsEditable() {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("documents cannot be uploaded in state %s", p.State))
	}
	return nil
}

func checkFile(entry *domain.CatalogEntry, in Upload) error {
	if len(in.Content) == 0 {
		return dErrors.New(dErrors.CodeValidation, "file is empty")
	}
	if strings.TrimSpace(in.FileName) == "" {
		return dErrors.New(dErrors.CodeValidation, "file name is required")
	}
	if !entry.AllowsFormat(in.MimeType) {
		return dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("file type %s not allowed, allowed: %s", in.MimeType, strings.Join(entry.AllowedFormats, ", ")))
	}
	if int64(len(in.Content)) > entry.MaxSizeBytes {
		return dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("file exceeds the maximum size of %d bytes", entry.MaxSizeBytes))
	}
	if !domain.ExtensionMatches(in.FileName, in.MimeType) {
		return dErrors.New(dErrors.CodeValidation, "file extension does not match its type")
	}
	return nil
}

func translate(err error, notFound, internal string) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, notFound)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internal)
}

// ListActive returns the current version of each uploaded type.
func (s *Service) ListActive(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.Document, error) {
	return s.list(ctx, viewer, processID, true)
}

// ListAll returns every version, superseded ones included.
func (s *Service) ListAll(ctx context.Context, viewer domain.Actor, processID id.ProcessID) ([]*domain.Document, error) {
	return s.list(ctx, viewer, processID, false)
}

func (s *Service) list(ctx context.Context, viewer domain.Actor, processID id.ProcessID, activeOnly bool) ([]*domain.Document, error) {
	stores := s.uow.Stores()
	p, err := stores.Processes.Get(ctx, processID)
	if err != nil {
		return nil, translate(err, "process not found", "failed to load process")
	}
	if err := checkView(p, viewer); err != nil {
		return nil, err
	}
	docs, err := stores.Documents.ListByProcess(ctx, processID, activeOnly)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents")
	}
	s.sortByCatalog(ctx, docs)
	return docs, nil
}

// sortByCatalog orders documents by catalog position, newest version first within a type.
func (s *Service) sortByCatalog(ctx context.Context, docs []*domain.Document) {
	order := map[string]int{}
	entries, err := s.catalog.List(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "catalog unavailable, ordering documents by type", "error", err)
	}
	for _, e := range entries {
		order[e.Type] = e.Order
	}
	slices.SortStableFunc(docs, func(a, b *domain.Document) int {
		oa, okA := order[a.Type]
		ob, okB := order[b.Type]
		switch {
		case okA && okB && oa != ob:
			return oa - ob
		case okA != okB:
			if okA {
				return -1
			}
			return 1
		case a.Type != b.Type:
			return strings.Compare(a.Type, b.Type)
		}
		return b.Version - a.Version
	})
}

// Get returns one document if the viewer may see the process's documents.
func (s *Service) Get(ctx context.Context, viewer domain.Actor, documentID id.DocumentID) (*domain.Document, error) {
	stores := s.uow.Stores()
	doc, err := stores.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, translate(err, "document not found", "failed to load document")
	}
	p, err := stores.Processes.Get(ctx, doc.ProcessID)
	if err != nil {
		return nil, translate(err, "process not found", "failed to load process")
	}
	if err := checkView(p, viewer); err != nil {
		return nil, err
	}
	return doc, nil
}

// Download returns the document with its content and logs who fetched it from where.
func (s *Service) Download(ctx context.Context, viewer domain.Actor, documentID id.DocumentID) (*domain.Document, []byte, error) {
	doc, err := s.Get(ctx, viewer, documentID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.blobs.Open(ctx, doc.StorageRef)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeNotFound, "document content not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeDependency, "failed to read document content")
	}

	prov := provenance.FromContext(ctx)
	s.logger.InfoContext(ctx, "document downloaded",
		"request_id", requestcontext.RequestID(ctx),
		"document_id", doc.ID,
		"process_id", doc.ProcessID,
		"user_id", viewer.ID,
		"ip", prov.ClientIP,
		"device", prov.Device,
	)
	return doc, content, nil
}

// checkView: landlords never see documents; beneficiaries only their own.
func checkView(p *domain.Process, viewer domain.Actor) error {
	switch viewer.Role {
	case domain.RoleLandlord:
		return dErrors.New(dErrors.CodeForbidden, "landlords cannot view documents")
	case domain.RoleBeneficiary:
		if !p.IsOwner(viewer.ID) {
			return dErrors.New(dErrors.CodeForbidden, "documents belong to another beneficiary")
		}
		return nil
	}
	if !viewer.Role.IsStaff() {
		return dErrors.New(dErrors.CodeForbidden, "role cannot view documents")
	}
	return nil
}
