package legal

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
)

// ExpiredDetail is the error detail of a request whose callback never came.
const ExpiredDetail = "callback not received before expiry"

const sweepPageSize = 500

// Sweeper resolves async requests whose callback is overdue, so their
// batches can complete.
type Sweeper struct {
	store    store.Store
	ttl      time.Duration
	now      func() time.Time
	pageSize int
}

// NewSweeper creates a Sweeper. A zero ttl disables sweeping.
func NewSweeper(st store.Store, ttl time.Duration) *Sweeper {
	return &Sweeper{store: st, ttl: ttl, now: time.Now, pageSize: sweepPageSize}
}

// Sweep expires every pending request older than the TTL that belongs to
// an awaiting_callbacks batch. It returns how many requests it resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	batches, err := s.awaiting(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.ttl)
	expired := 0
	for _, b := range batches {
		reqs, err := s.store.ListPendingRequests(ctx, b.ID, cutoff)
		if err != nil {
			return expired, eris.Wrapf(err, "legal: list pending requests for batch %s", b.ID)
		}
		for _, req := range reqs {
			result := model.NewErrorResult(req.BatchID, req.ID, req.Subject, ExpiredDetail)
			_, err := s.store.ResolveRequest(ctx, req.ID, model.RequestStatusErrored, result)
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			if err != nil {
				return expired, eris.Wrapf(err, "legal: expire request %s", req.ID)
			}
			expired++
		}
		if len(reqs) > 0 {
			zap.L().Info("legal: expired overdue requests",
				zap.String("batch_id", b.ID),
				zap.Int("count", len(reqs)),
			)
		}
	}
	return expired, nil
}

// awaiting lists every awaiting_callbacks batch, page by page, before any
// is resolved, so completions during the sweep cannot shift the pages.
func (s *Sweeper) awaiting(ctx context.Context) ([]model.Batch, error) {
	var out []model.Batch
	for offset := 0; ; offset += s.pageSize {
		page, err := s.store.ListBatches(ctx, store.BatchFilter{
			Status: model.BatchStatusAwaitingCallbacks,
			Limit:  s.pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "legal: list awaiting batches")
		}
		out = append(out, page...)
		if len(page) < s.pageSize {
			return out, nil
		}
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "legal.sweeper"))
	log.Info("starting callback sweeper", zap.Duration("interval", interval), zap.Duration("ttl", s.ttl))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("callback sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error("legal: sweep failed", zap.Error(err))
			}
		}
	}
}
