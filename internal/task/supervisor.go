// Package task runs batch dispatches in the background, either in-process
// under a Supervisor or as Temporal workflows.
package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
	"github.com/sells-group/processscan/internal/store"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = eris.New("task: supervisor closed")

// Dispatcher is the part of legal.Dispatcher the supervisor drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, batchID string, progress legal.ProgressFunc) (*model.Batch, error)
}

// State is the lifecycle of one supervised dispatch.
type State string

const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Info is a snapshot of one supervised dispatch.
type Info struct {
	BatchID    string    `json:"batch_id"`
	State      State     `json:"state"`
	Dispatched int       `json:"dispatched"`
	Total      int       `json:"total"`
	Error      string    `json:"error,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Config tunes a Supervisor.
type Config struct {
	// MaxConcurrent bounds how many batches dispatch at once. Default: 4.
	MaxConcurrent int
	// MaxRetries is how often a failed batch is retried from the DLQ. Default: 3.
	MaxRetries int
	// Retry sets the DLQ backoff.
	Retry resilience.RetryConfig
}

// Supervisor runs one goroutine per submitted batch, at most MaxConcurrent
// of them dispatching at a time. Failed dispatches go to the dead letter
// queue.
type Supervisor struct {
	dispatcher Dispatcher
	store      store.Store
	cfg        Config
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	tasks  map[string]*Info
	// retries maps a batch to the DLQ entry it is being retried from.
	retries map[string]resilience.DLQEntry
}

// NewSupervisor creates a Supervisor whose tasks live until Shutdown.
func NewSupervisor(d Dispatcher, st store.Store, cfg Config) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry = resilience.RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 4}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dispatcher: d,
		store:      st,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*Info),
		retries:    make(map[string]resilience.DLQEntry),
	}
}

// Submit queues batchID for dispatch and returns immediately. A batch that
// is already queued or running is not submitted twice.
func (s *Supervisor) Submit(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if t, ok := s.tasks[batchID]; ok && (t.State == StateQueued || t.State == StateRunning) {
		return nil
	}

	s.tasks[batchID] = &Info{BatchID: batchID, State: StateQueued, QueuedAt: time.Now().UTC()}
	s.wg.Add(1)
	go s.run(batchID)
	return nil
}

func (s *Supervisor) run(batchID string) {
	defer s.wg.Done()
	log := zap.L().With(zap.String("batch_id", batchID))

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finish(batchID, StateInterrupted, err)
		return
	}
	defer s.sem.Release(1)

	s.update(batchID, func(t *Info) {
		t.State = StateRunning
		t.StartedAt = time.Now().UTC()
	})
	log.Info("task: dispatch started")

	_, err := s.dispatcher.Dispatch(s.ctx, batchID, func(dispatched, total int) {
		s.update(batchID, func(t *Info) {
			t.Dispatched, t.Total = dispatched, total
		})
	})

	switch {
	case err == nil:
		s.finish(batchID, StateDone, nil)
		s.clearRetry(batchID)
		log.Info("task: dispatch finished")
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		// Shutdown. The batch stays in processing and is recovered on restart.
		s.finish(batchID, StateInterrupted, err)
		log.Info("task: dispatch interrupted by shutdown")
	default:
		s.finish(batchID, StateFailed, err)
		log.Error("task: dispatch failed", zap.Error(err))
		s.deadLetter(batchID, err)
	}
}

func (s *Supervisor) update(batchID string, fn func(*Info)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[batchID]; ok {
		fn(t)
	}
}

func (s *Supervisor) finish(batchID string, state State, err error) {
	s.update(batchID, func(t *Info) {
		t.State = state
		t.FinishedAt = time.Now().UTC()
		if err != nil {
			t.Error = err.Error()
		}
	})
}

// deadLetter records a failed dispatch, or bumps the retry count when the
// batch was already a DLQ retry.
func (s *Supervisor) deadLetter(batchID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	s.mu.Lock()
	prev, retrying := s.retries[batchID]
	delete(s.retries, batchID)
	s.mu.Unlock()

	if retrying {
		next := prev.NextRetry(now, s.cfg.Retry)
		if err := s.store.IncrementDLQRetry(ctx, prev.ID, next, cause.Error()); err != nil {
			zap.L().Error("task: failed to update dlq entry", zap.String("batch_id", batchID), zap.Error(err))
		}
		return
	}

	entry := resilience.DLQEntry{
		BatchID:      batchID,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedStep:   "dispatch",
		MaxRetries:   s.cfg.MaxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	entry.NextRetryAt = entry.NextRetry(now, s.cfg.Retry)
	if err := s.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("task: failed to enqueue dlq entry", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (s *Supervisor) clearRetry(batchID string) {
	s.mu.Lock()
	prev, ok := s.retries[batchID]
	delete(s.retries, batchID)
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.RemoveDLQ(ctx, prev.ID); err != nil {
		zap.L().Warn("task: failed to remove dlq entry", zap.String("batch_id", batchID), zap.Error(err))
	}
}

// Recover resubmits every batch still in processing, typically after a
// restart. Dispatch resumes from each batch's cursor.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{Status: model.BatchStatusProcessing, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "task: list processing batches")
	}
	for _, b := range batches {
		if err := s.Submit(ctx, b.ID); err != nil {
			return 0, err
		}
	}
	if len(batches) > 0 {
		zap.L().Info("task: recovered interrupted batches", zap.Int("count", len(batches)))
	}
	return len(batches), nil
}

// RetryDLQ resubmits failed batches whose backoff has elapsed.
func (s *Supervisor) RetryDLQ(ctx context.Context) (int, error) {
	entries, err := s.store.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 50})
	if err != nil {
		return 0, eris.Wrap(err, "task: dequeue dlq")
	}

	retried := 0
	for _, e := range entries {
		s.mu.RLock()
		_, inFlight := s.retries[e.BatchID]
		s.mu.RUnlock()
		if inFlight {
			continue
		}

		if err := s.store.UpdateBatchStatus(ctx, e.BatchID, model.BatchStatusProcessing); err != nil {
			zap.L().Warn("task: cannot reopen batch for retry", zap.String("batch_id", e.BatchID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.retries[e.BatchID] = e
		s.mu.Unlock()
		if err := s.Submit(ctx, e.BatchID); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// RunRetries calls RetryDLQ on every tick until ctx is cancelled.
func (s *Supervisor) RunRetries(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RetryDLQ(ctx); err != nil {
				zap.L().Error("task: dlq retry failed", zap.Error(err))
			}
		}
	}
}

// Task returns the state of one batch's dispatch.
func (s *Supervisor) Task(batchID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[batchID]
	if !ok {
		return Info{}, false
	}
	return *t, true
}

// Tasks returns every known task, oldest first.
func (s *Supervisor) Tasks() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Wait blocks until every submitted task has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting work, cancels running dispatches and waits for
// them to return or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "task: shutdown")
	}
}
