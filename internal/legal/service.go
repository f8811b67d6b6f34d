package legal

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/pkg/judit"
)

var (
	// ErrNoRecords is returned when a batch is submitted without records.
	ErrNoRecords = eris.New("legal: no records")
	// ErrInvalidMode is returned for a mode other than sync or async.
	ErrInvalidMode = eris.New("legal: invalid mode")
	// ErrMalformedCallback is returned when a webhook body is not valid JSON.
	ErrMalformedCallback = eris.New("legal: malformed callback")
)

// Submitter runs a batch's dispatch in the background.
type Submitter interface {
	Submit(ctx context.Context, batchID string) error
}

// StartRequest is a batch submission.
type StartRequest struct {
	Records         []model.Record
	Mode            model.Mode
	WithAttachments bool
}

// BatchResults is a batch with every result recorded so far.
type BatchResults struct {
	Batch   *model.Batch   `json:"batch"`
	Results []model.Result `json:"results"`
}

// Service is the boundary used by the HTTP API and the CLI.
type Service struct {
	store      store.Store
	reconciler *Reconciler
	submitter  Submitter
}

// NewService creates a Service.
func NewService(st store.Store, submitter Submitter) *Service {
	return &Service{
		store:      st,
		reconciler: NewReconciler(st),
		submitter:  submitter,
	}
}

// StartBatch persists a new batch and hands it to the submitter. It
// returns as soon as the batch row exists.
func (s *Service) StartBatch(ctx context.Context, req StartRequest) (*model.Batch, error) {
	if len(req.Records) == 0 {
		return nil, ErrNoRecords
	}
	if !req.Mode.Valid() {
		return nil, eris.Wrapf(ErrInvalidMode, "mode %q", req.Mode)
	}

	b := &model.Batch{
		Total:           len(req.Records),
		Mode:            req.Mode,
		WithAttachments: req.WithAttachments,
	}
	if err := s.store.CreateBatch(ctx, b, req.Records); err != nil {
		return nil, eris.Wrap(err, "legal: create batch")
	}

	zap.L().Info("legal: batch created",
		zap.String("batch_id", b.ID),
		zap.Int("total", b.Total),
		zap.String("mode", string(b.Mode)),
	)

	if err := s.submitter.Submit(ctx, b.ID); err != nil {
		// The row stays in processing; recovery picks it up on restart.
		zap.L().Error("legal: failed to submit batch", zap.String("batch_id", b.ID), zap.Error(err))
	}
	return b, nil
}

// GetBatchStatus returns the batch's counters and status.
func (s *Service) GetBatchStatus(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "legal: get batch")
	}
	return b, nil
}

// GetBatchResults returns the batch and its results.
func (s *Service) GetBatchResults(ctx context.Context, batchID string) (*BatchResults, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "legal: get batch")
	}
	results, err := s.store.ListResultsForBatch(ctx, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "legal: list results")
	}
	if results == nil {
		results = []model.Result{}
	}
	return &BatchResults{Batch: b, Results: results}, nil
}

// ListBatches returns batches matching filter, newest first.
func (s *Service) ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.Batch, error) {
	batches, err := s.store.ListBatches(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "legal: list batches")
	}
	if batches == nil {
		batches = []model.Batch{}
	}
	return batches, nil
}

// ReceiveCallback parses and reconciles a webhook body. Unknown,
// duplicate and ignored callbacks are not errors.
func (s *Service) ReceiveCallback(ctx context.Context, raw []byte) (ReconcileOutcome, error) {
	cb, err := judit.ParseCallback(raw)
	if err != nil {
		return "", eris.Wrap(ErrMalformedCallback, err.Error())
	}
	return s.reconciler.Reconcile(ctx, cb)
}
