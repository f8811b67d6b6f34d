package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/store"
)

// MetricsSnapshot holds a point-in-time view of dispatch health.
type MetricsSnapshot struct {
	// Batch metrics (created within lookback window).
	BatchTotal     int     `json:"batch_total"`
	BatchCompleted int     `json:"batch_completed"`
	BatchFailed    int     `json:"batch_failed"`
	BatchRunning   int     `json:"batch_running"`
	BatchAwaiting  int     `json:"batch_awaiting"`
	BatchFailRate  float64 `json:"batch_fail_rate"`

	// Per-record outcomes across those batches.
	ResultSuccess   int     `json:"result_success"`
	ResultError     int     `json:"result_error"`
	ResultSkipped   int     `json:"result_skipped"`
	ResultErrorRate float64 `json:"result_error_rate"`

	// Batches stuck in awaiting_callbacks past the stale threshold.
	StaleBatches []string `json:"stale_batches,omitempty"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	stale time.Duration
	now   func() time.Time
}

// NewCollector creates a metrics collector. Batches awaiting callbacks
// without an update for longer than stale are reported; zero disables it.
func NewCollector(st store.Store, stale time.Duration) *Collector {
	return &Collector{store: st, stale: stale, now: time.Now}
}

// Collect gathers a snapshot of batch metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	batches, err := c.store.ListBatches(ctx, store.BatchFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	snap.BatchTotal = len(batches)
	for _, b := range batches {
		switch b.Status {
		case model.BatchStatusCompleted:
			snap.BatchCompleted++
		case model.BatchStatusFailed:
			snap.BatchFailed++
		case model.BatchStatusProcessing:
			snap.BatchRunning++
		case model.BatchStatusAwaitingCallbacks:
			snap.BatchAwaiting++
		}
		snap.ResultSuccess += b.Success
		snap.ResultError += b.Error
		snap.ResultSkipped += b.Skipped
	}

	if finished := snap.BatchCompleted + snap.BatchFailed; finished > 0 {
		snap.BatchFailRate = float64(snap.BatchFailed) / float64(finished)
	}
	if results := snap.ResultSuccess + snap.ResultError; results > 0 {
		snap.ResultErrorRate = float64(snap.ResultError) / float64(results)
	}

	if c.stale > 0 {
		stale, err := c.store.ListBatches(ctx, store.BatchFilter{
			Status:        model.BatchStatusAwaitingCallbacks,
			UpdatedBefore: now.Add(-c.stale),
			Limit:         100,
		})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale batches")
		}
		for _, b := range stale {
			snap.StaleBatches = append(snap.StaleBatches, b.ID)
		}
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
