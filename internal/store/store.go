package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
)

var (
	// ErrNotFound is returned when a batch or request id is unknown.
	ErrNotFound = eris.New("store: not found")
	// ErrAlreadyResolved is returned when a request is no longer pending.
	ErrAlreadyResolved = eris.New("store: request already resolved")
	// ErrCounterOverflow is returned when an increment would push processed
	// past the batch's expected result count.
	ErrCounterOverflow = eris.New("store: counter overflow")
)

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Status        model.BatchStatus `json:"status,omitempty"`
	CreatedAfter  time.Time         `json:"created_after,omitempty"`
	UpdatedBefore time.Time         `json:"updated_before,omitempty"`
	Limit         int               `json:"limit,omitempty"`
	Offset        int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for batches, requests, and results.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, b *model.Batch, records []model.Record) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	LoadBatchRecords(ctx context.Context, batchID string) ([]model.Record, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
	AdvanceCursor(ctx context.Context, batchID string, dispatched int) error
	// UpdateBatchCounters applies delta in one atomic statement. An
	// awaiting_callbacks batch whose last outstanding result lands here
	// becomes completed in the same statement.
	UpdateBatchCounters(ctx context.Context, batchID string, delta model.CounterDelta) (*model.Batch, error)
	// FinishDispatch moves a processing batch to completed (sync mode, or
	// nothing outstanding) or awaiting_callbacks.
	FinishDispatch(ctx context.Context, batchID string) (*model.Batch, error)

	// Requests
	InsertRequest(ctx context.Context, r *model.Request) error
	FindRequestByProviderID(ctx context.Context, providerID string) (*model.Request, error)
	UpdateRequestStatus(ctx context.Context, requestID string, from, to model.RequestStatus) error
	ListPendingRequests(ctx context.Context, batchID string, olderThan time.Time) ([]model.Request, error)

	// Results
	InsertResult(ctx context.Context, r *model.Result) error
	ListResultsForBatch(ctx context.Context, batchID string) ([]model.Result, error)
	// RecordResult inserts r and counts it against its batch atomically.
	RecordResult(ctx context.Context, r *model.Result) (*model.Batch, error)
	// ResolveRequest moves a pending request to status, inserts r and counts
	// it, all in one transaction. Returns ErrAlreadyResolved when the request
	// is not pending.
	ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus, r *model.Result) (*model.Batch, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const batchColumns = `batch_id, total, processed, success, error, skipped, dispatched, mode, with_attachments, status, created_at, updated_at`

const requestColumns = `request_id, provider_request_id, batch_id, subject_id, subject_kind, name, affiliation, status, created_at, updated_at`

const resultColumns = `result_id, batch_id, request_id, subject_id, subject_kind, name, affiliation, outcome, process_count, processes, error_detail, completed_at`

type scannable interface {
	Scan(dest ...any) error
}
