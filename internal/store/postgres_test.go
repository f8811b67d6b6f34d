package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var batchCols = []string{"batch_id", "total", "processed", "success", "error", "skipped", "dispatched", "mode", "with_attachments", "status", "created_at", "updated_at"}

func batchRow(id string, total, processed, success, errs int, status model.BatchStatus) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(batchCols).
		AddRow(id, total, processed, success, errs, 0, total, model.ModeAsync, true, status, now, now)
}

func TestPostgresStore_GetBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT batch_id, total, .* FROM batches WHERE batch_id = \$1`).
		WithArgs("b1").
		WillReturnRows(batchRow("b1", 3, 1, 1, 0, model.BatchStatusAwaitingCallbacks))

	b, err := s.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, model.BatchStatusAwaitingCallbacks, b.Status)
	assert.Equal(t, model.ModeAsync, b.Mode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batches WHERE batch_id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO batches`).
		WithArgs(pgxmock.AnyArg(), 2, "sync", false, "processing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	b := &model.Batch{Total: 2, Mode: model.ModeSync}
	err := s.CreateBatch(context.Background(), b, []model.Record{{"CPF": "1"}, {"CPF": "2"}})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.BatchStatusProcessing, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBatchRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT records FROM batches`).
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows([]string{"records"}).AddRow([]byte(`[{"CNPJ":"12345678000190"}]`)))

	records, err := s.LoadBatchRecords(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "12345678000190", records[0]["CNPJ"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateBatchCounters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE batches SET\s+success = success \+ \$2`).
		WithArgs("b1", 0, 1, 0).
		WillReturnRows(batchRow("b1", 2, 2, 1, 1, model.BatchStatusCompleted))
	mock.ExpectCommit()

	b, err := s.UpdateBatchCounters(context.Background(), "b1", model.CounterDelta{Error: 1})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.Equal(t, 2, b.Processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateBatchCounters_Overflow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE batches SET`).
		WithArgs("b1", 1, 0, 0).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.UpdateBatchCounters(context.Background(), "b1", model.CounterDelta{Success: 1})
	assert.ErrorIs(t, err, ErrCounterOverflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishDispatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE batches SET\s+status = CASE`).
		WithArgs("b1").
		WillReturnRows(batchRow("b1", 2, 0, 0, 0, model.BatchStatusAwaitingCallbacks))

	b, err := s.FinishDispatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAwaitingCallbacks, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindRequestByProviderID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM requests WHERE provider_request_id = \$1`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.FindRequestByProviderID(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindRequestByProviderID(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM requests WHERE provider_request_id = \$1`).
		WithArgs("prov-1").
		WillReturnRows(pgxmock.NewRows([]string{"request_id", "provider_request_id", "batch_id", "subject_id", "subject_kind", "name", "affiliation", "status", "created_at", "updated_at"}).
			AddRow("r1", "prov-1", "b1", "12345678901", model.SubjectPerson, "Maria", "", model.RequestStatusPending, now, now))

	r, err := s.FindRequestByProviderID(context.Background(), "prov-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, model.SubjectPerson, r.Subject.Kind)
	assert.Equal(t, model.RequestStatusPending, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE requests SET status = \$1`).
		WithArgs("completed", "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO results`).
		WithArgs(pgxmock.AnyArg(), "b1", pgxmock.AnyArg(), "1", "cpf", "", "", "success", 1,
			pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE batches SET`).
		WithArgs("b1", 1, 0, 0).
		WillReturnRows(batchRow("b1", 1, 1, 1, 0, model.BatchStatusCompleted))
	mock.ExpectCommit()

	res := model.NewSuccessResult("b1", "r1", model.Subject{ID: "1", Kind: model.SubjectPerson},
		[]json.RawMessage{json.RawMessage(`{}`)})
	b, err := s.ResolveRequest(context.Background(), "r1", model.RequestStatusCompleted, res)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveRequest_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE requests SET status = \$1`).
		WithArgs("completed", "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	res := model.NewSuccessResult("b1", "r1", model.Subject{}, nil)
	_, err := s.ResolveRequest(context.Background(), "r1", model.RequestStatusCompleted, res)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordResult_InsertFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO results`).
		WithArgs(pgxmock.AnyArg(), "b1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), "error", 0, pgxmock.AnyArg(), "HTTP 500", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	_, err := s.RecordResult(context.Background(), model.NewErrorResult("b1", "", model.Subject{}, "HTTP 500"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record result")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRequestStatus_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE requests SET status = \$1`).
		WithArgs("errored", "r1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRequestStatus(context.Background(), "r1", model.RequestStatusPending, model.RequestStatusErrored)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResultsForBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM results WHERE batch_id = \$1`).
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows([]string{"result_id", "batch_id", "request_id", "subject_id", "subject_kind", "name", "affiliation", "outcome", "process_count", "processes", "error_detail", "completed_at"}).
			AddRow("res1", "b1", "", "12345678000190", model.SubjectOrganization, "Acme", "", model.OutcomeSuccess, 2, []byte(`[{},{}]`), "", now).
			AddRow("res2", "b1", "", "98765432000110", model.SubjectOrganization, "Beta", "", model.OutcomeError, 0, []byte(`[]`), "HTTP 500", now))

	results, err := s.ListResultsForBatch(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].ProcessCount)
	assert.Equal(t, "HTTP 500", results[1].ErrorDetail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs(pgxmock.AnyArg(), "b1", "boom", "permanent", "dispatch", 0, 3,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		BatchID: "b1", Error: "boom", ErrorType: "permanent", FailedStep: "dispatch", MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(errors.New("plain")))
	assert.False(t, IsUniqueViolation(nil))
}
