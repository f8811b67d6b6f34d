package task

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
)

// DefaultTaskQueue is the Temporal task queue for batch dispatches.
const DefaultTaskQueue = "processscan-dispatch"

// DispatchResult is what a dispatch workflow returns.
type DispatchResult struct {
	BatchID   string            `json:"batch_id"`
	Status    model.BatchStatus `json:"status"`
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
}

// BatchStatuses is the slice of the store an activity needs to reopen a
// batch that a failed attempt left behind.
type BatchStatuses interface {
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
}

// Activities holds the activity implementations; register a pointer.
type Activities struct {
	Dispatcher Dispatcher
	Store      BatchStatuses
}

// DispatchBatch runs the dispatch loop and heartbeats the cursor. A retried
// attempt reopens the batch the previous attempt marked failed and resumes
// from the persisted cursor, so no record is sent twice. Unknown batches
// and async batches without a callback URL are not retried.
func (a *Activities) DispatchBatch(ctx context.Context, batchID string) (*DispatchResult, error) {
	if attempt := activity.GetInfo(ctx).Attempt; attempt > 1 {
		if err := a.reopen(ctx, batchID, attempt); err != nil {
			return nil, err
		}
	}

	b, err := a.Dispatcher.Dispatch(ctx, batchID, func(dispatched, total int) {
		activity.RecordHeartbeat(ctx, dispatched, total)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, legal.ErrNoCallbackURL) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), "unrecoverable_batch", err)
		}
		return nil, err
	}
	return &DispatchResult{
		BatchID:   b.ID,
		Status:    b.Status,
		Processed: b.Processed,
		Skipped:   b.Skipped,
	}, nil
}

func (a *Activities) reopen(ctx context.Context, batchID string, attempt int32) error {
	if a.Store == nil {
		return nil
	}
	b, err := a.Store.GetBatch(ctx, batchID)
	if err != nil {
		return eris.Wrapf(err, "task: load batch %s for retry", batchID)
	}
	if b.Status != model.BatchStatusFailed {
		return nil
	}
	if err := a.Store.UpdateBatchStatus(ctx, batchID, model.BatchStatusProcessing); err != nil {
		return eris.Wrapf(err, "task: reopen batch %s", batchID)
	}
	zap.L().Info("task: reopened failed batch for retry",
		zap.String("batch_id", batchID),
		zap.Int32("attempt", attempt),
		zap.Int("cursor", b.Dispatched),
	)
	return nil
}

// DispatchWorkflow dispatches one batch as a single long-running activity.
func DispatchWorkflow(ctx workflow.Context, batchID string) (*DispatchResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result DispatchResult
	if err := workflow.ExecuteActivity(ctx, a.DispatchBatch, batchID).Get(ctx, &result); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("batch dispatched", "batch_id", batchID, "status", string(result.Status))
	return &result, nil
}

// TemporalRunner submits batches as Temporal workflows.
type TemporalRunner struct {
	client    client.Client
	taskQueue string
}

// NewTemporalRunner creates a runner on taskQueue.
func NewTemporalRunner(c client.Client, taskQueue string) *TemporalRunner {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &TemporalRunner{client: c, taskQueue: taskQueue}
}

// Submit starts the dispatch workflow for batchID. The workflow id is
// derived from the batch, so submitting twice does not start two runs.
func (r *TemporalRunner) Submit(ctx context.Context, batchID string) error {
	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(batchID),
		TaskQueue: r.taskQueue,
	}, DispatchWorkflow, batchID)
	if err != nil {
		return eris.Wrapf(err, "task: start workflow for batch %s", batchID)
	}
	zap.L().Info("task: dispatch workflow started",
		zap.String("batch_id", batchID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// WorkflowID is the Temporal workflow id for a batch's dispatch.
func WorkflowID(batchID string) string {
	return "dispatch-" + batchID
}

// NewWorker builds a worker that runs dispatch workflows and activities.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(DispatchWorkflow)
	w.RegisterActivity(acts)
	return w
}
