package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidy/internal/domain"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	dErrors "subsidy/pkg/domain-errors"
	"subsidy/pkg/platform/sentinel"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func sampleProcess() *domain.Process {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Process{
		ID:            id.NewProcessID(),
		Code:          "SUB-2024-000001",
		State:         domain.StateDraft,
		BeneficiaryID: id.NewUserID(),
		Version:       3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestProcessUpdate(t *testing.T) {
	update := regexp.QuoteMeta("UPDATE processes SET")
	exists := regexp.QuoteMeta("SELECT EXISTS")

	t.Run("bumps version on success", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 1))

		p := sampleProcess()
		require.NoError(t, New(db, 0).Stores().Processes.Update(context.Background(), p))
		assert.Equal(t, int64(4), p.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		p := sampleProcess()
		err := New(db, 0).Stores().Processes.Update(context.Background(), p)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
		assert.Equal(t, int64(3), p.Version)
	})

	t.Run("missing row is not found", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := New(db, 0).Stores().Processes.Update(context.Background(), sampleProcess())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestProcessGet(t *testing.T) {
	db, mock := newMock(t)
	p := sampleProcess()
	landlord := id.NewUserID()
	cols := []string{"id", "code", "state", "beneficiary_id", "landlord_id", "form", "signed", "pdf_version",
		"artifact", "submitted_at", "closed_at", "closed_by", "version", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM processes WHERE id = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			p.ID.String(), p.Code, "DRAFT", p.BeneficiaryID.String(), landlord.String(),
			[]byte(`{"rent":750}`), false, 0, nil, nil, nil, nil, int64(3), p.CreatedAt, p.UpdatedAt))
	mock.ExpectQuery(regexp.QuoteMeta("FROM processes WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(cols))

	store := New(db, 0).Stores().Processes
	got, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.StateDraft, got.State)
	require.NotNil(t, got.LandlordID)
	assert.Equal(t, landlord, *got.LandlordID)
	assert.Equal(t, float64(750), got.Form["rent"])
	assert.Nil(t, got.Artifact)
	assert.Nil(t, got.ClosedBy)

	_, err = store.Get(context.Background(), id.NewProcessID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestProcessLastCode(t *testing.T) {
	query := regexp.QuoteMeta("SELECT code FROM processes WHERE starts_with(code, $1) ORDER BY code DESC LIMIT 1")

	t.Run("highest code of the year", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(query).WithArgs("SUB-2024-").
			WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("SUB-2024-000117"))

		code, err := New(db, 0).Stores().Processes.LastCode(context.Background(), "SUB-2024-")
		require.NoError(t, err)
		assert.Equal(t, "SUB-2024-000117", code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty year", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(query).WithArgs("SUB-2031-").WillReturnRows(sqlmock.NewRows([]string{"code"}))

		code, err := New(db, 0).Stores().Processes.LastCode(context.Background(), "SUB-2031-")
		require.NoError(t, err)
		assert.Empty(t, code)
	})

	t.Run("query failure", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(query).WillReturnError(errors.New("connection refused"))

		_, err := New(db, 0).Stores().Processes.LastCode(context.Background(), "SUB-2024-")
		assert.ErrorContains(t, err, "last process code")
	})
}

func TestUniqueViolationIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"pgx", &pgconn.PgError{Code: "23505"}},
		{"pq", &pq.Error{Code: "23505"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processes")).WillReturnError(tt.err)

			err := New(db, 0).Stores().Processes.Create(context.Background(), sampleProcess())
			assert.ErrorIs(t, err, sentinel.ErrConflict)
		})
	}

	t.Run("other errors are wrapped", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pdf_history")).WillReturnError(&pgconn.PgError{Code: "23503"})

		err := New(db, 0).Stores().PDFs.Append(context.Background(), &domain.PDFRecord{ProcessID: id.NewProcessID(), Version: 1})
		require.Error(t, err)
		assert.False(t, errors.Is(err, sentinel.ErrConflict))
		assert.Contains(t, err.Error(), "insert pdf record")
	})
}

func TestProcessWhere(t *testing.T) {
	beneficiary := id.NewUserID()
	state := domain.StateDocsInValidation

	where, args := processWhere(storage.ProcessFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = processWhere(storage.ProcessFilter{
		BeneficiaryID: &beneficiary,
		VisibleStates: []domain.State{domain.StateDraft, domain.StateDocsInValidation},
		State:         &state,
		Search:        "  sub-2024 ",
	})
	assert.Equal(t,
		" WHERE beneficiary_id = $1 AND state = ANY($2::text[]) AND state = $3 AND strpos(lower(code), lower($4)) > 0",
		where)
	require.Len(t, args, 4)
	assert.Equal(t, "DOCS_IN_VALIDATION", args[2])
	assert.Equal(t, "sub-2024", args[3])
}

func TestEventAppendAssignsSeq(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))

	e := &domain.AuditEvent{
		ID:         id.NewEventID(),
		ProcessID:  id.NewProcessID(),
		Kind:       domain.EventCreation,
		OccurredAt: time.Now(),
	}
	require.NoError(t, New(db, 0).Stores().Events.Append(context.Background(), e))
	assert.Equal(t, int64(42), e.Seq)
}

func TestRunInTx(t *testing.T) {
	t.Run("commits when fn succeeds", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET active = FALSE")).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err := New(db, time.Second).RunInTx(context.Background(), func(stores storage.Stores) error {
			return stores.Documents.DeactivateType(context.Background(), id.NewProcessID(), "LEASE")
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := New(db, time.Second).RunInTx(context.Background(), func(storage.Stores) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled context never begins", func(t *testing.T) {
		db, mock := newMock(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := New(db, time.Second).RunInTx(ctx, func(storage.Stores) error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.Equal(t, dErrors.CodeTimeout, dErrors.CodeOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkPublished(t *testing.T) {
	db, mock := newMock(t)
	require.NoError(t, New(db, 0).MarkPublished(context.Background(), nil, time.Now()))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_events SET published_at")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, New(db, 0).MarkPublished(context.Background(), []id.EventID{id.NewEventID(), id.NewEventID()}, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
