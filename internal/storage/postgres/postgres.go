// Package postgres implements the storage contracts on PostgreSQL through
// database/sql. Open the pool with the pgx stdlib driver ("pgx").
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
)

//go:embed schema.sql
var schema string

const (
	defaultTxTimeout = 5 * time.Second
	uniqueViolation  = "23505"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork implements storage.UnitOfWork and storage.OutboxStore.
type UnitOfWork struct {
	db      *sql.DB
	timeout time.Duration
}

func New(db *sql.DB, timeout time.Duration) *UnitOfWork {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return &UnitOfWork{db: db, timeout: timeout}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (u *UnitOfWork) Migrate(ctx context.Context) error {
	if _, err := u.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (u *UnitOfWork) Health(ctx context.Context) error {
	return u.db.PingContext(ctx)
}

func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(stores storage.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(stores(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction timed out")
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (u *UnitOfWork) Stores() storage.Stores {
	return stores(u.db)
}

func stores(q dbtx) storage.Stores {
	return storage.Stores{
		Processes: &ProcessStore{q: q},
		Documents: &DocumentStore{q: q},
		Decisions: &DecisionStore{q: q},
		Events:    &EventStore{q: q},
		PDFs:      &PDFStore{q: q},
	}
}

// Unpublished returns relayable events in append order.
func (u *UnitOfWork) Unpublished(ctx context.Context, limit int) ([]*domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE published_at IS NULL ORDER BY seq`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := u.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unpublished events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (u *UnitOfWork) MarkPublished(ctx context.Context, eventIDs []id.EventID, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ids := make([]string, len(eventIDs))
	for i, eventID := range eventIDs {
		ids[i] = eventID.String()
	}
	_, err := u.db.ExecContext(ctx,
		`UPDATE audit_events SET published_at = $1 WHERE id = ANY($2::uuid[]) AND published_at IS NULL`,
		at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

// isUniqueViolation recognises the error from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

func nullUUID[T ~[16]byte](v *T) any {
	if v == nil {
		return nil
	}
	return uuid.UUID(*v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func uuidPtr[T ~[16]byte](n uuid.NullUUID) *T {
	if !n.Valid {
		return nil
	}
	v := T(n.UUID)
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

var _ storage.UnitOfWork = (*UnitOfWork)(nil)
var _ storage.OutboxStore = (*UnitOfWork)(nil)
