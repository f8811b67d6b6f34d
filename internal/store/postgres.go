package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/processscan/internal/db"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries hit by the dispatcher and
// the callback handler.
var preparedStatements = map[string]string{
	"find_request_by_provider_id": `SELECT ` + requestColumns + ` FROM requests WHERE provider_request_id = $1`,
	"get_batch":                   `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1`,
	"advance_cursor":              `UPDATE batches SET dispatched = GREATEST(dispatched, $2), updated_at = now() WHERE batch_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id         TEXT PRIMARY KEY,
	total            INTEGER NOT NULL,
	processed        INTEGER NOT NULL DEFAULT 0,
	success          INTEGER NOT NULL DEFAULT 0,
	error            INTEGER NOT NULL DEFAULT 0,
	skipped          INTEGER NOT NULL DEFAULT 0,
	dispatched       INTEGER NOT NULL DEFAULT 0,
	mode             TEXT NOT NULL,
	with_attachments BOOLEAN NOT NULL DEFAULT true,
	status           TEXT NOT NULL DEFAULT 'processing',
	records          JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT batches_counters_check CHECK (processed = success + error AND processed + skipped <= total)
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
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
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
	processes     JSONB NOT NULL DEFAULT '[]',
	error_detail  TEXT NOT NULL DEFAULT '',
	completed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
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
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Batches

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch, records []model.Record) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if records == nil {
		records = []model.Record{}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal records")
	}

	now := time.Now().UTC()
	b.Status = model.BatchStatusProcessing
	b.CreatedAt, b.UpdatedAt = now, now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (batch_id, total, mode, with_attachments, status, records, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.Total, string(b.Mode), b.WithAttachments, string(b.Status), recordsJSON, now, now,
	)
	return eris.Wrap(err, "postgres: insert batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(` AND updated_at < $%d`, argIdx)
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, batch_id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) LoadBatchRecords(ctx context.Context, batchID string) ([]model.Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT records FROM batches WHERE batch_id = $1`, batchID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: load records %s", batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load records %s", batchID)
	}

	var records []model.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal records")
	}
	return records, nil
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, updated_at = now() WHERE batch_id = $2`,
		string(status), batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch status %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, batchID string, dispatched int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET dispatched = GREATEST(dispatched, $2), updated_at = now() WHERE batch_id = $1`,
		batchID, dispatched,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance cursor %s", batchID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return nil
}

const pgUpdateCounters = `UPDATE batches SET
	success = success + $2,
	error = error + $3,
	skipped = skipped + $4,
	processed = processed + $2 + $3,
	status = CASE
		WHEN status = 'awaiting_callbacks' AND processed + $2 + $3 >= total - (skipped + $4) THEN 'completed'
		ELSE status
	END,
	updated_at = now()
WHERE batch_id = $1 AND processed + $2 + $3 <= total - (skipped + $4)
RETURNING ` + batchColumns

func (s *PostgresStore) UpdateBatchCounters(ctx context.Context, batchID string, delta model.CounterDelta) (*model.Batch, error) {
	var out *model.Batch
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := updateCountersTx(ctx, tx, batchID, delta)
		out = b
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update counters %s", batchID)
	}
	return out, nil
}

func updateCountersTx(ctx context.Context, tx pgx.Tx, batchID string, delta model.CounterDelta) (*model.Batch, error) {
	row := tx.QueryRow(ctx, pgUpdateCounters, batchID, delta.Success, delta.Error, delta.Skipped)
	b, err := scanBatch(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish an unknown batch from a rejected increment.
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE batch_id = $1)`, batchID).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, ErrCounterOverflow
		}
	}
	return b, err
}

func (s *PostgresStore) FinishDispatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE batches SET
			status = CASE
				WHEN mode = 'sync' OR processed >= total - skipped THEN 'completed'
				ELSE 'awaiting_callbacks'
			END,
			dispatched = total,
			updated_at = now()
		 WHERE batch_id = $1 AND status = 'processing'
		 RETURNING `+batchColumns,
		batchID,
	)
	b, err := scanBatch(row)
	if errors.Is(err, ErrNotFound) {
		// Already moved on; report the current state.
		return s.GetBatch(ctx, batchID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: finish dispatch %s", batchID)
	}
	return b, nil
}

// Requests

func (s *PostgresStore) InsertRequest(ctx context.Context, r *model.Request) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.Status == "" {
		r.Status = model.RequestStatusPending
	}
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ProviderRequestID, r.BatchID, r.Subject.ID, string(r.Subject.Kind),
		r.Subject.Name, r.Subject.Affiliation, string(r.Status), now, now,
	)
	return eris.Wrap(err, "postgres: insert request")
}

func (s *PostgresStore) FindRequestByProviderID(ctx context.Context, providerID string) (*model.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE provider_request_id = $1`, providerID)
	r, err := scanRequest(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find request %s", providerID)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID string, from, to model.RequestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET status = $1, updated_at = now() WHERE request_id = $2 AND status = $3`,
		string(to), requestID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request status %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context, batchID string, olderThan time.Time) ([]model.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE batch_id = $1 AND status = 'pending' AND created_at < $2
		 ORDER BY created_at`,
		batchID, olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending requests")
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending requests iterate")
}

// Results

func (s *PostgresStore) InsertResult(ctx context.Context, r *model.Result) error {
	_, err := s.pool.Exec(ctx, pgInsertResult, resultArgs(r)...)
	return eris.Wrap(err, "postgres: insert result")
}

const pgInsertResult = `INSERT INTO results (` + resultColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func resultArgs(r *model.Result) []any {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	processes := []byte(r.Processes)
	if len(processes) == 0 {
		processes = []byte("[]")
	}
	var requestID *string
	if r.RequestID != "" {
		requestID = &r.RequestID
	}
	return []any{
		r.ID, r.BatchID, requestID, r.Subject.ID, string(r.Subject.Kind),
		r.Subject.Name, r.Subject.Affiliation, string(r.Outcome), r.ProcessCount,
		processes, r.ErrorDetail, r.CompletedAt,
	}
}

func (s *PostgresStore) ListResultsForBatch(ctx context.Context, batchID string) ([]model.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result_id, batch_id, COALESCE(request_id, ''), subject_id, subject_kind, name, affiliation,
		        outcome, process_count, processes, error_detail, completed_at
		 FROM results WHERE batch_id = $1 ORDER BY completed_at, result_id`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var r model.Result
		var processes []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RequestID, &r.Subject.ID, &r.Subject.Kind,
			&r.Subject.Name, &r.Subject.Affiliation, &r.Outcome, &r.ProcessCount,
			&processes, &r.ErrorDetail, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r.Processes = processes
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) RecordResult(ctx context.Context, r *model.Result) (*model.Batch, error) {
	var out *model.Batch
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgInsertResult, resultArgs(r)...); err != nil {
			return eris.Wrap(err, "insert result")
		}
		b, err := updateCountersTx(ctx, tx, r.BatchID, model.ForOutcome(r.Outcome))
		out = b
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record result %s", r.BatchID)
	}
	return out, nil
}

func (s *PostgresStore) ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus, r *model.Result) (*model.Batch, error) {
	var out *model.Batch
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock taken here serializes duplicate deliveries; the loser
		// re-checks status after the winner commits and matches nothing.
		tag, err := tx.Exec(ctx,
			`UPDATE requests SET status = $1, updated_at = now() WHERE request_id = $2 AND status = 'pending'`,
			string(status), requestID,
		)
		if err != nil {
			return eris.Wrap(err, "update request")
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyResolved
		}
		if _, err := tx.Exec(ctx, pgInsertResult, resultArgs(r)...); err != nil {
			return eris.Wrap(err, "insert result")
		}
		b, err := updateCountersTx(ctx, tx, r.BatchID, model.ForOutcome(r.Outcome))
		out = b
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: resolve request %s", requestID)
	}
	return out, nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, batch_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, failed_step = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.BatchID, entry.Error, entry.ErrorType,
		entry.FailedStep, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, batch_id, error, error_type, failed_step, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Error, &e.ErrorType,
			&e.FailedStep, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.Total, &b.Processed, &b.Success, &b.Error, &b.Skipped,
		&b.Dispatched, &b.Mode, &b.WithAttachments, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanRequest(row scannable) (*model.Request, error) {
	var r model.Request
	err := row.Scan(&r.ID, &r.ProviderRequestID, &r.BatchID, &r.Subject.ID, &r.Subject.Kind,
		&r.Subject.Name, &r.Subject.Affiliation, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
