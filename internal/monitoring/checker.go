package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/config"
)

// Checker collects a snapshot on a timer and alerts on it.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	every     time.Duration
}

// NewChecker wires a collector to an alerter. Checks run every
// cfg.CheckIntervalSecs, or five minutes when unset.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	every := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &Checker{collector: collector, alerter: alerter, lookback: cfg.LookbackWindowHours, every: every}
}

// Run checks until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().Named("monitoring")
	log.Info("batch health checks started", zap.Duration("every", c.every), zap.Int("lookback_hours", c.lookback))
	defer log.Info("batch health checks stopped")

	t := time.NewTicker(c.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("batch health check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one collect-evaluate-send cycle and returns what it raised.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, err
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts, c.alerter.Send(ctx, alerts)
}
