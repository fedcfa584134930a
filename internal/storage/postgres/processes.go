package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/sentinel"
)

const processColumns = `id, code, state, beneficiary_id, landlord_id, form, signed, pdf_version,
	artifact, submitted_at, closed_at, closed_by, version, created_at, updated_at`

// ProcessStore persists processes. Version is the optimistic lock column.
type ProcessStore struct {
	q dbtx
}

func (s *ProcessStore) Create(ctx context.Context, p *domain.Process) error {
	form, artifact, err := encodeProcessJSON(p)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO processes (`+processColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		uuid.UUID(p.ID), p.Code, string(p.State), uuid.UUID(p.BeneficiaryID), nullUUID(p.LandlordID),
		form, p.Signed, p.PDFVersion, artifact, nullTime(p.SubmittedAt), nullTime(p.ClosedAt),
		nullUUID(p.ClosedBy), p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (s *ProcessStore) Get(ctx context.Context, processID id.ProcessID) (*domain.Process, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1`, uuid.UUID(processID))
	p, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get process: %w", err)
	}
	return p, nil
}

func (s *ProcessStore) Update(ctx context.Context, p *domain.Process) error {
	form, artifact, err := encodeProcessJSON(p)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE processes SET
			state = $3, landlord_id = $4, form = $5, signed = $6, pdf_version = $7, artifact = $8,
			submitted_at = $9, closed_at = $10, closed_by = $11, updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		uuid.UUID(p.ID), p.Version, string(p.State), nullUUID(p.LandlordID), form, p.Signed,
		p.PDFVersion, artifact, nullTime(p.SubmittedAt), nullTime(p.ClosedAt), nullUUID(p.ClosedBy),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	if n == 0 {
		var exists bool
		err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM processes WHERE id = $1)`, uuid.UUID(p.ID)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check process: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	p.Version++
	return nil
}

func (s *ProcessStore) List(ctx context.Context, f storage.ProcessFilter) ([]*domain.Process, int, error) {
	where, args := processWhere(f)

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count processes: %w", err)
	}

	query := `SELECT ` + processColumns + ` FROM processes` + where + ` ORDER BY updated_at DESC, code DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate processes: %w", err)
	}
	return out, total, nil
}

func (s *ProcessStore) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT state, COUNT(*) FROM processes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count processes by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[domain.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return counts, nil
}

// LastCode relies on codes of one year having the same width, so text order is numeric order.
func (s *ProcessStore) LastCode(ctx context.Context, prefix string) (string, error) {
	var code string
	err := s.q.QueryRowContext(ctx,
		`SELECT code FROM processes WHERE starts_with(code, $1) ORDER BY code DESC LIMIT 1`, prefix,
	).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last process code: %w", err)
	}
	return code, nil
}

// processWhere builds the WHERE clause. A non-nil empty VisibleStates matches nothing.
func processWhere(f storage.ProcessFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.BeneficiaryID != nil {
		add("beneficiary_id = ?", uuid.UUID(*f.BeneficiaryID))
	}
	if f.LandlordID != nil {
		add("landlord_id = ?", uuid.UUID(*f.LandlordID))
	}
	if f.VisibleStates != nil {
		states := make([]string, len(f.VisibleStates))
		for i, st := range f.VisibleStates {
			states[i] = string(st)
		}
		add("state = ANY(?::text[])", pq.Array(states))
	}
	if f.State != nil {
		add("state = ?", string(*f.State))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		add("strpos(lower(code), lower(?)) > 0", search)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeProcessJSON(p *domain.Process) (form, artifact []byte, err error) {
	if p.Form != nil {
		if form, err = json.Marshal(p.Form); err != nil {
			return nil, nil, fmt.Errorf("marshal form: %w", err)
		}
	}
	if p.Artifact != nil {
		if artifact, err = json.Marshal(p.Artifact); err != nil {
			return nil, nil, fmt.Errorf("marshal artifact: %w", err)
		}
	}
	return form, artifact, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (*domain.Process, error) {
	var (
		p                     domain.Process
		pid, beneficiary      uuid.UUID
		landlord, closedBy    uuid.NullUUID
		state                 string
		form, artifact        []byte
		submittedAt, closedAt sql.NullTime
	)
	err := row.Scan(&pid, &p.Code, &state, &beneficiary, &landlord, &form, &p.Signed, &p.PDFVersion,
		&artifact, &submittedAt, &closedAt, &closedBy, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ID = id.ProcessID(pid)
	p.State = domain.State(state)
	p.BeneficiaryID = id.UserID(beneficiary)
	p.LandlordID = uuidPtr[id.UserID](landlord)
	p.ClosedBy = uuidPtr[id.UserID](closedBy)
	p.SubmittedAt = timePtr(submittedAt)
	p.ClosedAt = timePtr(closedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if len(form) > 0 {
		if err := json.Unmarshal(form, &p.Form); err != nil {
			return nil, fmt.Errorf("unmarshal form: %w", err)
		}
	}
	if len(artifact) > 0 {
		p.Artifact = &domain.SignedArtifact{}
		if err := json.Unmarshal(artifact, p.Artifact); err != nil {
			return nil, fmt.Errorf("unmarshal artifact: %w", err)
		}
	}
	return &p, nil
}
