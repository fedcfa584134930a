// Package ports declares the collaborators the process engine consumes. Adapters live
// under internal/adapters; the engine never depends on a concrete one.
package ports

import (
	"context"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
)

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

// Directory is the identity and credential store.
type Directory interface {
	// GetUser returns sentinel.ErrNotFound for unknown users.
	GetUser(ctx context.Context, userID id.UserID) (*domain.User, error)
	ExistsWithRole(ctx context.Context, userID id.UserID, role domain.Role) (bool, error)
}

// BlobRef locates stored content.
type BlobRef struct {
	Ref  string
	Hash string
}

// BlobStorage holds uploaded document content.
type BlobStorage interface {
	Store(ctx context.Context, name string, content []byte) (BlobRef, error)
	Open(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// Snapshot is the read-only view of a process handed to the renderer.
type Snapshot struct {
	Process   domain.Process
	Documents []domain.Document
	Decisions []domain.Decision
	Version   int
}

// Artifact is a rendered and stored PDF.
type Artifact struct {
	Ref  string
	Hash string
}

// Renderer produces the signed PDF for a process.
type Renderer interface {
	Render(ctx context.Context, snapshot Snapshot) (Artifact, error)
}

// Catalog is the externally owned list of document types.
type Catalog interface {
	// GetEntry returns sentinel.ErrNotFound for unknown types.
	GetEntry(ctx context.Context, docType string) (*domain.CatalogEntry, error)
	ListMandatory(ctx context.Context) ([]domain.CatalogEntry, error)
	List(ctx context.Context) ([]domain.CatalogEntry, error)
}

// FormSchema checks a form payload before submission.
type FormSchema interface {
	Validate(ctx context.Context, form domain.FormPayload) error
}

// Sequencer hands out the per-year process number.
type Sequencer interface {
	Next(ctx context.Context, year int) (int64, error)
}

// SequenceSeeder is a Sequencer whose counter can be raised to a number already in use.
type SequenceSeeder interface {
	Seed(ctx context.Context, year int, last int64) error
}

// Sealer binds a signature to its provenance.
type Sealer interface {
	Seal(in SealInput) string
	Verify(in SealInput, seal string) bool
}

// SealInput is everything a signature seal covers.
type SealInput struct {
	ProcessID    id.ProcessID
	PDFVersion   int
	ArtifactHash string
	SignerID     id.UserID
	ClientIP     string
	UserAgent    string
	SignedAtUnix int64
}
