package legal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/pkg/judit"
)

// DefaultDelay is the pause between two provider calls of the same batch.
const DefaultDelay = time.Second

// ErrNoCallbackURL fails an async batch when no callback URL is configured.
var ErrNoCallbackURL = eris.New("legal: async batch requires a callback url")

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// CallbackURL is sent with every async search. Required for async batches.
	CallbackURL string
	// Delay between consecutive records. Zero disables the pause.
	Delay time.Duration
}

// ProgressFunc is called after each record with the cursor and total.
type ProgressFunc func(dispatched, total int)

// Dispatcher sends each record of a batch to the provider, one at a time.
type Dispatcher struct {
	store   store.Store
	gateway judit.Client
	cfg     DispatcherConfig
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, gateway judit.Client, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{store: st, gateway: gateway, cfg: cfg}
}

// Dispatch runs the dispatch loop for batchID, starting at the batch's
// persisted cursor, then moves the batch out of processing. A cancelled
// context stops the loop and leaves the batch in processing so it can be
// resumed. Per-record failures are recorded as error results and never
// abort the loop.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID string, progress ProgressFunc) (*model.Batch, error) {
	log := zap.L().With(zap.String("batch_id", batchID))

	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.markFailed(ctx, batchID, err)
		}
		return nil, eris.Wrap(err, "legal: load batch")
	}
	if batch.Status != model.BatchStatusProcessing {
		log.Debug("legal: batch already dispatched", zap.String("status", string(batch.Status)))
		return batch, nil
	}
	if batch.Mode == model.ModeAsync && d.cfg.CallbackURL == "" {
		d.markFailed(ctx, batchID, ErrNoCallbackURL)
		return nil, ErrNoCallbackURL
	}

	records, err := d.store.LoadBatchRecords(ctx, batchID)
	if err != nil {
		d.markFailed(ctx, batchID, err)
		return nil, eris.Wrap(err, "legal: load batch records")
	}

	log.Info("legal: dispatching batch",
		zap.String("mode", string(batch.Mode)),
		zap.Int("total", len(records)),
		zap.Int("cursor", batch.Dispatched),
	)

	called := false
	for i := batch.Dispatched; i < len(records); i++ {
		if err := ctx.Err(); err != nil {
			log.Info("legal: dispatch interrupted", zap.Int("cursor", i))
			return batch, eris.Wrap(err, "legal: dispatch interrupted")
		}

		// The delay only spaces out provider calls; skipped records cost nothing.
		_, callsProvider := ExtractSubject(records[i])
		if callsProvider && called {
			if err := sleepCtx(ctx, d.cfg.Delay); err != nil {
				log.Info("legal: dispatch interrupted", zap.Int("cursor", i))
				return batch, eris.Wrap(err, "legal: dispatch interrupted")
			}
		}
		called = called || callsProvider

		if !d.dispatchRecord(ctx, batch, i, records[i]) {
			log.Info("legal: dispatch interrupted", zap.Int("cursor", i))
			return batch, eris.Wrap(ctx.Err(), "legal: dispatch interrupted")
		}

		if err := d.store.AdvanceCursor(ctx, batchID, i+1); err != nil {
			log.Warn("legal: failed to advance cursor", zap.Int("cursor", i+1), zap.Error(err))
		}
		if progress != nil {
			progress(i+1, len(records))
		}
	}

	final, err := d.store.FinishDispatch(ctx, batchID)
	if err != nil {
		d.markFailed(ctx, batchID, err)
		return nil, eris.Wrap(err, "legal: finish dispatch")
	}

	log.Info("legal: dispatch finished",
		zap.String("status", string(final.Status)),
		zap.Int("processed", final.Processed),
		zap.Int("skipped", final.Skipped),
		zap.Int("outstanding", final.Outstanding()),
	)
	return final, nil
}

// dispatchRecord handles one record and reports whether it was consumed.
// It returns false only when ctx was cancelled mid-call, in which case
// nothing is recorded and the record is retried on resume. Panics become
// an error result.
func (d *Dispatcher) dispatchRecord(ctx context.Context, batch *model.Batch, idx int, rec model.Record) (done bool) {
	var subject model.Subject
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("legal: panic dispatching record",
				zap.String("batch_id", batch.ID),
				zap.Int("index", idx),
				zap.Any("panic", r),
			)
			d.recordResult(ctx, model.NewErrorResult(batch.ID, "", subject, fmt.Sprintf("panic: %v", r)))
			done = true
		}
	}()

	subject, ok := ExtractSubject(rec)
	if !ok {
		zap.L().Debug("legal: record has no tax id, skipping",
			zap.String("batch_id", batch.ID),
			zap.Int("index", idx),
		)
		if _, err := d.store.UpdateBatchCounters(ctx, batch.ID, model.CounterDelta{Skipped: 1}); err != nil {
			zap.L().Error("legal: failed to count skipped record", zap.String("batch_id", batch.ID), zap.Error(err))
		}
		return true
	}

	req := judit.CreateRequest{
		Search:          judit.Search{SearchType: string(subject.Kind), SearchKey: subject.ID},
		WithAttachments: batch.WithAttachments,
	}
	if batch.Mode == model.ModeAsync {
		req.CallbackURL = d.cfg.CallbackURL
	}

	resp, err := d.gateway.CreateRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		zap.L().Warn("legal: provider call failed",
			zap.String("batch_id", batch.ID),
			zap.String("subject_kind", string(subject.Kind)),
			zap.Error(err),
		)
		d.recordResult(ctx, model.NewErrorResult(batch.ID, "", subject, errorDetail(err)))
		return true
	}

	if batch.Mode == model.ModeSync {
		processes := judit.NormalizeProcesses(resp.Data)
		d.recordResult(ctx, model.NewSuccessResult(batch.ID, "", subject, processes))
		return true
	}

	if resp.RequestID == "" {
		d.recordResult(ctx, model.NewErrorResult(batch.ID, "", subject, "provider response carried no request_id"))
		return true
	}

	r := &model.Request{
		ProviderRequestID: resp.RequestID,
		BatchID:           batch.ID,
		Subject:           subject,
	}
	if err := d.store.InsertRequest(ctx, r); err != nil {
		zap.L().Error("legal: failed to persist request",
			zap.String("batch_id", batch.ID),
			zap.String("provider_request_id", resp.RequestID),
			zap.Error(err),
		)
		d.recordResult(ctx, model.NewErrorResult(batch.ID, "", subject, "persist request: "+err.Error()))
	}
	return true
}

func (d *Dispatcher) recordResult(ctx context.Context, r *model.Result) {
	if _, err := d.store.RecordResult(ctx, r); err != nil {
		zap.L().Error("legal: failed to record result",
			zap.String("batch_id", r.BatchID),
			zap.String("outcome", string(r.Outcome)),
			zap.Error(err),
		)
	}
}

// markFailed moves the batch to failed. It runs detached from ctx so a
// cancelled caller still leaves a terminal status behind.
func (d *Dispatcher) markFailed(ctx context.Context, batchID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	zap.L().Error("legal: batch failed", zap.String("batch_id", batchID), zap.Error(cause))
	if err := d.store.UpdateBatchStatus(ctx, batchID, model.BatchStatusFailed); err != nil {
		zap.L().Error("legal: failed to mark batch failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

// errorDetail renders a gateway error as stored on a result: the provider's
// "HTTP <code> - <body>" form, or the transport error text.
func errorDetail(err error) string {
	var he *judit.HTTPError
	if errors.As(err, &he) {
		return he.Error()
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
