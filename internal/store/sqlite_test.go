package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createTestBatch(t *testing.T, st Store, mode model.Mode, total int) *model.Batch {
	t.Helper()
	records := make([]model.Record, total)
	for i := range records {
		records[i] = model.Record{"CNPJ": "1234567800019" + string(rune('0'+i%10))}
	}
	b := &model.Batch{Total: total, Mode: mode, WithAttachments: true}
	require.NoError(t, st.CreateBatch(context.Background(), b, records))
	return b
}

// --- Batches ---

func TestSQLite_CreateAndGetBatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	b := createTestBatch(t, st, model.ModeAsync, 3)
	require.NotEmpty(t, b.ID)

	got, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, model.ModeAsync, got.Mode)
	assert.True(t, got.WithAttachments)
	assert.Equal(t, model.BatchStatusProcessing, got.Status)
	assert.Zero(t, got.Processed)
	assert.WithinDuration(t, b.CreatedAt, got.CreatedAt, time.Millisecond)

	records, err := st.LoadBatchRecords(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "12345678000190", records[0]["CNPJ"])
}

func TestSQLite_GetBatch_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.LoadBatchRecords(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.UpdateBatchStatus(context.Background(), "missing", model.BatchStatusFailed), ErrNotFound)
}

func TestSQLite_ListBatches_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := createTestBatch(t, st, model.ModeSync, 1)
	createTestBatch(t, st, model.ModeSync, 1)
	require.NoError(t, st.UpdateBatchStatus(ctx, a.ID, model.BatchStatusFailed))

	failed, err := st.ListBatches(ctx, BatchFilter{Status: model.BatchStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	all, err := st.ListBatches(ctx, BatchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stale, err := st.ListBatches(ctx, BatchFilter{UpdatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSQLite_AdvanceCursor_NeverMovesBackwards(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 5)

	require.NoError(t, st.AdvanceCursor(ctx, b.ID, 3))
	require.NoError(t, st.AdvanceCursor(ctx, b.ID, 2))

	got, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Dispatched)
}

// --- Counters ---

func TestSQLite_UpdateBatchCounters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 3)

	got, err := st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Success: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 1, got.Success)

	got, err = st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Skipped: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 1, got.Skipped)

	got, err = st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Error: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, got.Success+got.Error, got.Processed)
	// Processing batches never complete from a counter update.
	assert.Equal(t, model.BatchStatusProcessing, got.Status)
}

func TestSQLite_UpdateBatchCounters_Overflow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 1)

	_, err := st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Success: 1})
	require.NoError(t, err)

	_, err = st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Success: 1})
	assert.ErrorIs(t, err, ErrCounterOverflow)

	_, err = st.UpdateBatchCounters(ctx, "missing", model.CounterDelta{Success: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateBatchCounters_CompletesAwaitingBatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeAsync, 2)

	fin, err := st.FinishDispatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAwaitingCallbacks, fin.Status)
	assert.Equal(t, 2, fin.Dispatched)

	got, err := st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Success: 1})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAwaitingCallbacks, got.Status)

	got, err = st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Error: 1})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Processed)
}

func TestSQLite_UpdateBatchCounters_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	const n = 40
	b := createTestBatch(t, st, model.ModeAsync, n)
	_, err := st.FinishDispatch(ctx, b.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := model.CounterDelta{Success: 1}
			if i%3 == 0 {
				delta = model.CounterDelta{Error: 1}
			}
			_, err := st.UpdateBatchCounters(ctx, b.ID, delta)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Processed)
	assert.Equal(t, got.Success+got.Error, got.Processed)
	assert.Equal(t, 14, got.Error)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
}

func TestSQLite_FinishDispatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	t.Run("sync completes", func(t *testing.T) {
		b := createTestBatch(t, st, model.ModeSync, 2)
		got, err := st.FinishDispatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusCompleted, got.Status)
	})

	t.Run("async with everything resolved completes", func(t *testing.T) {
		b := createTestBatch(t, st, model.ModeAsync, 2)
		_, err := st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Skipped: 1})
		require.NoError(t, err)
		_, err = st.UpdateBatchCounters(ctx, b.ID, model.CounterDelta{Error: 1})
		require.NoError(t, err)

		got, err := st.FinishDispatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusCompleted, got.Status)
	})

	t.Run("already terminal is left alone", func(t *testing.T) {
		b := createTestBatch(t, st, model.ModeAsync, 1)
		require.NoError(t, st.UpdateBatchStatus(ctx, b.ID, model.BatchStatusFailed))
		got, err := st.FinishDispatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, got.Status)
	})

	t.Run("unknown batch", func(t *testing.T) {
		_, err := st.FinishDispatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// --- Requests and results ---

func TestSQLite_Requests(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeAsync, 2)

	req := &model.Request{
		ProviderRequestID: "prov-1",
		BatchID:           b.ID,
		Subject:           model.Subject{ID: "12345678000190", Kind: model.SubjectOrganization, Name: "Acme", Affiliation: "Acme Holding"},
	}
	require.NoError(t, st.InsertRequest(ctx, req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, model.RequestStatusPending, req.Status)

	got, err := st.FindRequestByProviderID(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, model.SubjectOrganization, got.Subject.Kind)
	assert.Equal(t, "Acme Holding", got.Subject.Affiliation)

	_, err = st.FindRequestByProviderID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	// Provider ids are unique.
	dup := &model.Request{ProviderRequestID: "prov-1", BatchID: b.ID, Subject: req.Subject}
	assert.Error(t, st.InsertRequest(ctx, dup))

	pending, err := st.ListPendingRequests(ctx, b.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, st.UpdateRequestStatus(ctx, req.ID, model.RequestStatusPending, model.RequestStatusErrored))
	assert.ErrorIs(t, st.UpdateRequestStatus(ctx, req.ID, model.RequestStatusPending, model.RequestStatusCompleted), ErrAlreadyResolved)

	pending, err = st.ListPendingRequests(ctx, b.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLite_RecordResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 2)

	subject := model.Subject{ID: "12345678901", Kind: model.SubjectPerson, Name: "Maria"}
	ok := model.NewSuccessResult(b.ID, "", subject, []json.RawMessage{json.RawMessage(`{"code":"0001"}`)})
	got, err := st.RecordResult(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Success)

	bad := model.NewErrorResult(b.ID, "", subject, "HTTP 500")
	got, err = st.RecordResult(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Error)
	assert.Equal(t, 2, got.Processed)

	results, err := st.ListResultsForBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 1, results[0].ProcessCount)
	assert.JSONEq(t, `[{"code":"0001"}]`, string(results[0].Processes))
	assert.Equal(t, "Maria", results[0].Subject.Name)
	assert.Equal(t, model.OutcomeError, results[1].Outcome)
	assert.Equal(t, "HTTP 500", results[1].ErrorDetail)
}

func TestSQLite_RecordResult_OverflowRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 1)

	_, err := st.RecordResult(ctx, model.NewErrorResult(b.ID, "", model.Subject{}, "x"))
	require.NoError(t, err)
	_, err = st.RecordResult(ctx, model.NewErrorResult(b.ID, "", model.Subject{}, "y"))
	assert.ErrorIs(t, err, ErrCounterOverflow)

	results, err := st.ListResultsForBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSQLite_ResolveRequest_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeAsync, 1)
	_, err := st.FinishDispatch(ctx, b.ID)
	require.NoError(t, err)

	req := &model.Request{ProviderRequestID: "prov-9", BatchID: b.ID, Subject: model.Subject{ID: "1", Kind: model.SubjectPerson}}
	require.NoError(t, st.InsertRequest(ctx, req))

	res := model.NewSuccessResult(b.ID, req.ID, req.Subject, nil)
	got, err := st.ResolveRequest(ctx, req.ID, model.RequestStatusCompleted, res)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)

	again := model.NewSuccessResult(b.ID, req.ID, req.Subject, nil)
	_, err = st.ResolveRequest(ctx, req.ID, model.RequestStatusCompleted, again)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	results, err := st.ListResultsForBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, req.ID, results[0].RequestID)

	batch, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
}

func TestSQLite_ResolveRequest_ConcurrentDuplicates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeAsync, 1)
	_, err := st.FinishDispatch(ctx, b.ID)
	require.NoError(t, err)

	req := &model.Request{ProviderRequestID: "prov-dup", BatchID: b.ID, Subject: model.Subject{ID: "1", Kind: model.SubjectPerson}}
	require.NoError(t, st.InsertRequest(ctx, req))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ResolveRequest(ctx, req.ID, model.RequestStatusCompleted, model.NewSuccessResult(b.ID, req.ID, req.Subject, nil))
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, err := st.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, 1, got.Success)
}

// --- Dead letter queue ---

func TestSQLite_DLQ(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	b := createTestBatch(t, st, model.ModeSync, 1)

	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ID:           "dlq-1",
		BatchID:      b.ID,
		Error:        "store unreachable",
		ErrorType:    "transient",
		FailedStep:   "dispatch",
		MaxRetries:   3,
		NextRetryAt:  now.Add(-time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	count, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, b.ID, due[0].BatchID)
	assert.Equal(t, "dispatch", due[0].FailedStep)

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", now.Add(time.Hour), "still failing"))
	due, err = st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, st.RemoveDLQ(ctx, "dlq-1"))
	count, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.ErrorIs(t, st.IncrementDLQRetry(ctx, "dlq-1", now, "x"), ErrNotFound)
}
