package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/sentinel"
)

const documentColumns = `id, process_id, type, file_name, storage_ref, hash, size_bytes, mime_type,
	version, active, validation, rejection_reason, validated_by, validated_at, uploaded_by, uploaded_at`

type DocumentStore struct {
	q dbtx
}

func (s *DocumentStore) Create(ctx context.Context, d *domain.Document) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		uuid.UUID(d.ID), uuid.UUID(d.ProcessID), d.Type, d.FileName, d.StorageRef, d.Hash, d.SizeBytes,
		d.MimeType, d.Version, d.Active, string(d.Validation), d.RejectionReason,
		nullUUID(d.ValidatedBy), nullTime(d.ValidatedAt), uuid.UUID(d.UploadedBy), d.UploadedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *DocumentStore) Get(ctx context.Context, documentID id.DocumentID) (*domain.Document, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, uuid.UUID(documentID))
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// Update rewrites the mutable columns: activity and the validation verdict.
func (s *DocumentStore) Update(ctx context.Context, d *domain.Document) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE documents SET active = $2, validation = $3, rejection_reason = $4,
			validated_by = $5, validated_at = $6
		WHERE id = $1`,
		uuid.UUID(d.ID), d.Active, string(d.Validation), d.RejectionReason,
		nullUUID(d.ValidatedBy), nullTime(d.ValidatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(res, "update document")
}

func (s *DocumentStore) Delete(ctx context.Context, documentID id.DocumentID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, uuid.UUID(documentID))
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res, "delete document")
}

func (s *DocumentStore) ListByProcess(ctx context.Context, processID id.ProcessID, activeOnly bool) ([]*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE process_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY type, version DESC`
	rows, err := s.q.QueryContext(ctx, query, uuid.UUID(processID))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *DocumentStore) MaxVersion(ctx context.Context, processID id.ProcessID, docType string) (int, error) {
	var v int
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM documents WHERE process_id = $1 AND type = $2`,
		uuid.UUID(processID), docType).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max document version: %w", err)
	}
	return v, nil
}

func (s *DocumentStore) DeactivateType(ctx context.Context, processID id.ProcessID, docType string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE documents SET active = FALSE WHERE process_id = $1 AND type = $2 AND active`,
		uuid.UUID(processID), docType)
	if err != nil {
		return fmt.Errorf("deactivate documents: %w", err)
	}
	return nil
}

func scanDocument(row scanner) (*domain.Document, error) {
	var (
		d                      domain.Document
		docID, pid, uploadedBy uuid.UUID
		validation             string
		validatedBy            uuid.NullUUID
		validatedAt            sql.NullTime
	)
	err := row.Scan(&docID, &pid, &d.Type, &d.FileName, &d.StorageRef, &d.Hash, &d.SizeBytes, &d.MimeType,
		&d.Version, &d.Active, &validation, &d.RejectionReason, &validatedBy, &validatedAt, &uploadedBy, &d.UploadedAt)
	if err != nil {
		return nil, err
	}
	d.ID = id.DocumentID(docID)
	d.ProcessID = id.ProcessID(pid)
	d.UploadedBy = id.UserID(uploadedBy)
	d.Validation = domain.ValidationStatus(validation)
	d.ValidatedBy = uuidPtr[id.UserID](validatedBy)
	d.ValidatedAt = timePtr(validatedAt)
	d.UploadedAt = d.UploadedAt.UTC()
	return &d, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
