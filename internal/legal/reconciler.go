package legal

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/pkg/judit"
)

// ReconcileOutcome says what a callback did to the store.
type ReconcileOutcome string

const (
	// ReconcileApplied means a pending request was resolved.
	ReconcileApplied ReconcileOutcome = "applied"
	// ReconcileUnknown means no request matches the provider id.
	ReconcileUnknown ReconcileOutcome = "unknown"
	// ReconcileDuplicate means the request was already resolved.
	ReconcileDuplicate ReconcileOutcome = "duplicate"
	// ReconcileIgnored means the response type is neither a match nor an error.
	ReconcileIgnored ReconcileOutcome = "ignored"
)

// Reconciler matches provider callbacks to pending requests.
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Reconcile applies one callback. The request's status change, its result
// and the batch counters are written in one transaction, so a redelivered
// callback is a no-op. Only store failures are returned as errors.
func (r *Reconciler) Reconcile(ctx context.Context, cb *judit.Callback) (ReconcileOutcome, error) {
	p := cb.Payload
	log := zap.L().With(
		zap.String("provider_request_id", p.RequestID),
		zap.String("response_type", p.ResponseType),
	)

	if p.RequestID == "" {
		log.Warn("legal: callback without request_id, discarding")
		return ReconcileUnknown, nil
	}

	req, err := r.store.FindRequestByProviderID(ctx, p.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("legal: callback for unknown request, discarding")
		return ReconcileUnknown, nil
	}
	if err != nil {
		return "", eris.Wrap(err, "legal: find request")
	}
	log = log.With(zap.String("batch_id", req.BatchID), zap.String("request_id", req.ID))

	var (
		status model.RequestStatus
		result *model.Result
	)
	switch {
	case p.Matched():
		status = model.RequestStatusCompleted
		result = model.NewSuccessResult(req.BatchID, req.ID, req.Subject, judit.NormalizeProcesses(p.ResponseData))
	case p.ProviderError():
		status = model.RequestStatusErrored
		result = model.NewErrorResult(req.BatchID, req.ID, req.Subject, p.ErrorMessage())
	default:
		log.Info("legal: ignoring callback response type")
		return ReconcileIgnored, nil
	}

	if req.Status != model.RequestStatusPending {
		log.Info("legal: duplicate callback")
		return ReconcileDuplicate, nil
	}

	batch, err := r.store.ResolveRequest(ctx, req.ID, status, result)
	if errors.Is(err, store.ErrAlreadyResolved) {
		log.Info("legal: duplicate callback")
		return ReconcileDuplicate, nil
	}
	if err != nil {
		return "", eris.Wrap(err, "legal: resolve request")
	}

	log.Info("legal: callback applied",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("process_count", result.ProcessCount),
		zap.Int("processed", batch.Processed),
		zap.String("batch_status", string(batch.Status)),
	)
	return ReconcileApplied, nil
}
