package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

// sqliteTime is fixed width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; transactions never wait on a lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id         TEXT PRIMARY KEY,
	total            INTEGER NOT NULL,
	processed        INTEGER NOT NULL DEFAULT 0,
	success          INTEGER NOT NULL DEFAULT 0,
	error            INTEGER NOT NULL DEFAULT 0,
	skipped          INTEGER NOT NULL DEFAULT 0,
	dispatched       INTEGER NOT NULL DEFAULT 0,
	mode             TEXT NOT NULL,
	with_attachments INTEGER NOT NULL DEFAULT 1,
	status           TEXT NOT NULL DEFAULT 'processing',
	records          TEXT NOT NULL DEFAULT '[]',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	CHECK (processed = success + error AND processed + skipped <= total)
);

CREATE TABLE IF NOT EXISTS requests (
	request_id          TEXT PRIMARY KEY,
	provider_request_id TEXT NOT NULL UNIQUE,
	batch_id            TEXT NOT NULL REFERENCES batches(batch_id),
	subject_id          TEXT NOT NULL,
	subject_kind        TEXT NOT NULL,
	name                TEXT NOT NULL DEFAULT '',
	affiliation         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	result_id     TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL REFERENCES batches(batch_id),
	request_id    TEXT,
	subject_id    TEXT NOT NULL DEFAULT '',
	subject_kind  TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	affiliation   TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	process_count INTEGER NOT NULL DEFAULT 0,
	processes     TEXT NOT NULL DEFAULT '[]',
	error_detail  TEXT NOT NULL DEFAULT '',
	completed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_requests_batch_status ON requests(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_results_batch_id ON results(batch_id, completed_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_results_request_id ON results(request_id) WHERE request_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL REFERENCES batches(batch_id),
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	failed_step    TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func nowTS() string {
	return ts(time.Now())
}

// Batches

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch, records []model.Record) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if records == nil {
		records = []model.Record{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}

	created := time.Now().UTC()
	b.Status = model.BatchStatusProcessing
	b.CreatedAt, b.UpdatedAt = created, created

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, total, mode, with_attachments, status, records, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Total, string(b.Mode), b.WithAttachments, string(b.Status), string(recordsJSON), ts(created), ts(created),
	)
	return eris.Wrap(err, "sqlite: insert batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID)
	b, err := scanSQLiteBatch(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, ts(filter.CreatedAfter))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, ts(filter.UpdatedBefore))
	}
	query += ` ORDER BY created_at DESC, batch_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) LoadBatchRecords(ctx context.Context, batchID string) ([]model.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT records FROM batches WHERE batch_id = ?`, batchID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: load records %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load records %s", batchID)
	}

	var records []model.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal records")
	}
	return records, nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, updated_at = ? WHERE batch_id = ?`,
		string(status), nowTS(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch status %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

func (s *SQLiteStore) AdvanceCursor(ctx context.Context, batchID string, dispatched int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET dispatched = MAX(dispatched, ?), updated_at = ? WHERE batch_id = ?`,
		dispatched, nowTS(), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance cursor %s", batchID)
	}
	return checkRowsAffected(res, "batch", batchID)
}

const sqliteUpdateCounters = `UPDATE batches SET
	success = success + ?2,
	error = error + ?3,
	skipped = skipped + ?4,
	processed = processed + ?2 + ?3,
	status = CASE
		WHEN status = 'awaiting_callbacks' AND processed + ?2 + ?3 >= total - (skipped + ?4) THEN 'completed'
		ELSE status
	END,
	updated_at = ?5
WHERE batch_id = ?1 AND processed + ?2 + ?3 <= total - (skipped + ?4)
RETURNING ` + batchColumns

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteUpdateCountersIn(ctx context.Context, q execer, batchID string, delta model.CounterDelta) (*model.Batch, error) {
	row := q.QueryRowContext(ctx, sqliteUpdateCounters, batchID, delta.Success, delta.Error, delta.Skipped, nowTS())
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, ErrNotFound) {
		var n int
		if qerr := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE batch_id = ?`, batchID).Scan(&n); qerr != nil {
			return nil, qerr
		}
		if n > 0 {
			return nil, ErrCounterOverflow
		}
	}
	return b, err
}

func (s *SQLiteStore) UpdateBatchCounters(ctx context.Context, batchID string, delta model.CounterDelta) (*model.Batch, error) {
	b, err := sqliteUpdateCountersIn(ctx, s.db, batchID, delta)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update counters %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) FinishDispatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE batches SET
			status = CASE
				WHEN mode = 'sync' OR processed >= total - skipped THEN 'completed'
				ELSE 'awaiting_callbacks'
			END,
			dispatched = total,
			updated_at = ?
		 WHERE batch_id = ? AND status = 'processing'
		 RETURNING `+batchColumns,
		nowTS(), batchID,
	)
	b, err := scanSQLiteBatch(row)
	if errors.Is(err, ErrNotFound) {
		return s.GetBatch(ctx, batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: finish dispatch %s", batchID)
	}
	return b, nil
}

// Requests

func (s *SQLiteStore) InsertRequest(ctx context.Context, r *model.Request) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = model.RequestStatusPending
	}
	created := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = created, created

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProviderRequestID, r.BatchID, r.Subject.ID, string(r.Subject.Kind),
		r.Subject.Name, r.Subject.Affiliation, string(r.Status), ts(created), ts(created),
	)
	return eris.Wrap(err, "sqlite: insert request")
}

func (s *SQLiteStore) FindRequestByProviderID(ctx context.Context, providerID string) (*model.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE provider_request_id = ?`, providerID)
	r, err := scanSQLiteRequest(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find request %s", providerID)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, requestID string, from, to model.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE request_id = ? AND status = ?`,
		string(to), nowTS(), requestID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request status %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *SQLiteStore) ListPendingRequests(ctx context.Context, batchID string, olderThan time.Time) ([]model.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE batch_id = ? AND status = 'pending' AND created_at < ?
		 ORDER BY created_at`,
		batchID, ts(olderThan),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending requests")
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending requests iterate")
}

// Results

const sqliteInsertResult = `INSERT INTO results (` + resultColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sqliteResultArgs(r *model.Result) []any {
	args := resultArgs(r)
	args[9] = string(args[9].([]byte))
	args[11] = ts(r.CompletedAt)
	return args
}

func (s *SQLiteStore) InsertResult(ctx context.Context, r *model.Result) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertResult, sqliteResultArgs(r)...)
	return eris.Wrap(err, "sqlite: insert result")
}

func (s *SQLiteStore) ListResultsForBatch(ctx context.Context, batchID string) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_id, batch_id, COALESCE(request_id, ''), subject_id, subject_kind, name, affiliation,
		        outcome, process_count, processes, error_detail, completed_at
		 FROM results WHERE batch_id = ? ORDER BY completed_at, rowid`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var r model.Result
		var processes, completedAt string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RequestID, &r.Subject.ID, &r.Subject.Kind,
			&r.Subject.Name, &r.Subject.Affiliation, &r.Outcome, &r.ProcessCount,
			&processes, &r.ErrorDetail, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.Processes = json.RawMessage(processes)
		if r.CompletedAt, err = time.Parse(sqliteTime, completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse completed_at")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) RecordResult(ctx context.Context, r *model.Result) (*model.Batch, error) {
	var out *model.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqliteInsertResult, sqliteResultArgs(r)...); err != nil {
			return eris.Wrap(err, "insert result")
		}
		b, err := sqliteUpdateCountersIn(ctx, tx, r.BatchID, model.ForOutcome(r.Outcome))
		out = b
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record result %s", r.BatchID)
	}
	return out, nil
}

func (s *SQLiteStore) ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus, r *model.Result) (*model.Batch, error) {
	var out *model.Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE requests SET status = ?, updated_at = ? WHERE request_id = ? AND status = 'pending'`,
			string(status), nowTS(), requestID,
		)
		if err != nil {
			return eris.Wrap(err, "update request")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "rows affected")
		}
		if n == 0 {
			return ErrAlreadyResolved
		}
		if _, err := tx.ExecContext(ctx, sqliteInsertResult, sqliteResultArgs(r)...); err != nil {
			return eris.Wrap(err, "insert result")
		}
		b, err := sqliteUpdateCountersIn(ctx, tx, r.BatchID, model.ForOutcome(r.Outcome))
		out = b
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve request %s", requestID)
	}
	return out, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "commit")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, batch_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = ?3, error_type = ?4, failed_step = ?5, retry_count = ?6,
		   next_retry_at = ?8, last_failed_at = ?10`,
		entry.ID, entry.BatchID, entry.Error, entry.ErrorType, entry.FailedStep,
		entry.RetryCount, entry.MaxRetries, ts(entry.NextRetryAt), ts(entry.CreatedAt), ts(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, batch_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{nowTS()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var next, created, failed string
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Error, &e.ErrorType, &e.FailedStep,
			&e.RetryCount, &e.MaxRetries, &next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.NextRetryAt, _ = time.Parse(sqliteTime, next)
		e.CreatedAt, _ = time.Parse(sqliteTime, created)
		e.LastFailedAt, _ = time.Parse(sqliteTime, failed)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		ts(nextRetryAt), lastErr, nowTS(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanSQLiteBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var created, updated string
	err := row.Scan(&b.ID, &b.Total, &b.Processed, &b.Success, &b.Error, &b.Skipped,
		&b.Dispatched, &b.Mode, &b.WithAttachments, &b.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return nil, eris.Wrap(err, "parse created_at")
	}
	if b.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return nil, eris.Wrap(err, "parse updated_at")
	}
	return &b, nil
}

func scanSQLiteRequest(row scannable) (*model.Request, error) {
	var r model.Request
	var created, updated string
	err := row.Scan(&r.ID, &r.ProviderRequestID, &r.BatchID, &r.Subject.ID, &r.Subject.Kind,
		&r.Subject.Name, &r.Subject.Affiliation, &r.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(sqliteTime, created)
	r.UpdatedAt, _ = time.Parse(sqliteTime, updated)
	return &r, nil
}
