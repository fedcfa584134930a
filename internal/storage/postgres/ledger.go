package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/sentinel"
	"subsidy/pkg/provenance"
)

// DecisionStore is append-only.
type DecisionStore struct {
	q dbtx
}

func (s *DecisionStore) Append(ctx context.Context, d *domain.Decision) error {
	prov, err := json.Marshal(d.Provenance)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO decisions (id, process_id, from_state, to_state, approved, rationale,
			actor_id, actor_role, decided_at, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(d.ID), uuid.UUID(d.ProcessID), string(d.FromState), string(d.ToState), d.Approved,
		d.Rationale, uuid.UUID(d.ActorID), string(d.ActorRole), d.DecidedAt, prov,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *DecisionStore) ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.Decision, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, process_id, from_state, to_state, approved, rationale, actor_id, actor_role,
			decided_at, provenance
		FROM decisions WHERE process_id = $1 ORDER BY seq`, uuid.UUID(processID))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Decision
	for rows.Next() {
		var (
			d                 domain.Decision
			did, pid, actorID uuid.UUID
			from, to, role    string
			prov              []byte
		)
		if err := rows.Scan(&did, &pid, &from, &to, &d.Approved, &d.Rationale, &actorID, &role,
			&d.DecidedAt, &prov); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.ID = id.DecisionID(did)
		d.ProcessID = id.ProcessID(pid)
		d.ActorID = id.UserID(actorID)
		d.FromState = domain.State(from)
		d.ToState = domain.State(to)
		d.ActorRole = domain.Role(role)
		d.DecidedAt = d.DecidedAt.UTC()
		if d.Provenance, err = decodeProvenance(prov); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

const eventColumns = `seq, id, process_id, kind, description, detail, actor_id, actor_role, occurred_at, provenance`

// EventStore is the append-only audit trail. Seq comes from the bigserial column.
type EventStore struct {
	q dbtx
}

func (s *EventStore) Append(ctx context.Context, e *domain.AuditEvent) error {
	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
	}
	prov, err := json.Marshal(e.Provenance)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	err = s.q.QueryRowContext(ctx, `
		INSERT INTO audit_events (id, process_id, kind, description, detail, actor_id, actor_role,
			occurred_at, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		uuid.UUID(e.ID), uuid.UUID(e.ProcessID), string(e.Kind), e.Description, detail,
		nullUUID(e.ActorID), string(e.ActorRole), e.OccurredAt, prov,
	).Scan(&e.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *EventStore) ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.AuditEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE process_id = $1 ORDER BY seq`, uuid.UUID(processID))
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Search returns matches newest first.
func (s *EventStore) Search(ctx context.Context, f storage.EventFilter) ([]*domain.AuditEvent, int, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond+" $"+strconv.Itoa(len(args)))
	}
	if f.ProcessID != nil {
		add("process_id =", uuid.UUID(*f.ProcessID))
	}
	if f.ActorID != nil {
		add("actor_id =", uuid.UUID(*f.ActorID))
	}
	if f.Kind != nil {
		add("kind =", string(*f.Kind))
	}
	if f.From != nil {
		add("occurred_at >=", *f.From)
	}
	if f.To != nil {
		add("occurred_at <=", *f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM audit_events` + where + ` ORDER BY seq DESC`
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
		return nil, 0, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *EventStore) CountByKind(ctx context.Context) (map[domain.EventKind]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT kind, COUNT(*) FROM audit_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count audit events by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts[domain.EventKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}
	return counts, nil
}

func (s *EventStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE occurred_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent audit events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.AuditEvent, error) {
	var out []*domain.AuditEvent
	for rows.Next() {
		var (
			e            domain.AuditEvent
			eid, pid     uuid.UUID
			actorID      uuid.NullUUID
			kind, role   string
			detail, prov []byte
		)
		if err := rows.Scan(&e.Seq, &eid, &pid, &kind, &e.Description, &detail, &actorID, &role,
			&e.OccurredAt, &prov); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id.EventID(eid)
		e.ProcessID = id.ProcessID(pid)
		e.Kind = domain.EventKind(kind)
		e.ActorID = uuidPtr[id.UserID](actorID)
		e.ActorRole = domain.Role(role)
		e.OccurredAt = e.OccurredAt.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		var err error
		if e.Provenance, err = decodeProvenance(prov); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

func decodeProvenance(raw []byte) (provenance.Provenance, error) {
	var p provenance.Provenance
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal provenance: %w", err)
	}
	return p, nil
}

// PDFStore keeps one immutable row per signed (process, version).
type PDFStore struct {
	q dbtx
}

func (s *PDFStore) Append(ctx context.Context, r *domain.PDFRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pdf_history (process_id, version, artifact_ref, hash, seal, generated_by, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(r.ProcessID), r.Version, r.ArtifactRef, r.Hash, r.Seal, uuid.UUID(r.GeneratedBy), r.GeneratedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert pdf record: %w", err)
	}
	return nil
}

func (s *PDFStore) ListByProcess(ctx context.Context, processID id.ProcessID) ([]*domain.PDFRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT process_id, version, artifact_ref, hash, seal, generated_by, generated_at
		FROM pdf_history WHERE process_id = $1 ORDER BY version`, uuid.UUID(processID))
	if err != nil {
		return nil, fmt.Errorf("list pdf history: %w", err)
	}
	defer rows.Close()

	var out []*domain.PDFRecord
	for rows.Next() {
		var (
			r        domain.PDFRecord
			pid, gen uuid.UUID
		)
		if err := rows.Scan(&pid, &r.Version, &r.ArtifactRef, &r.Hash, &r.Seal, &gen, &r.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan pdf record: %w", err)
		}
		r.ProcessID = id.ProcessID(pid)
		r.GeneratedBy = id.UserID(gen)
		r.GeneratedAt = r.GeneratedAt.UTC()
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pdf history: %w", err)
	}
	return out, nil
}
