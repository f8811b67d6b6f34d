package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/config"
	"github.com/sells-group/processscan/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

// Alert types.
const (
	AlertBatchFailureRate  AlertType = "batch_failure_rate"
	AlertResultErrorRate   AlertType = "result_error_rate"
	AlertStaleBatches      AlertType = "stale_batches"
	AlertDeadLetterBacklog AlertType = "dead_letter_backlog"
)

// Rate alerts need at least this many finished batches or results.
const minSample = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Digest is the webhook body: every alert raised by one check.
type Digest struct {
	Service string    `json:"service"`
	Alerts  []Alert   `json:"alerts"`
	SentAt  time.Time `json:"sent_at"`
}

// rule turns a snapshot into an alert, or nil when the threshold holds.
type rule func(cfg config.MonitoringConfig, s *MetricsSnapshot) *Alert

var rules = []rule{
	func(cfg config.MonitoringConfig, s *MetricsSnapshot) *Alert {
		finished := s.BatchCompleted + s.BatchFailed
		if finished < minSample || s.BatchFailRate <= cfg.FailureRateThreshold {
			return nil
		}
		return &Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("%.1f%% of batches failed in the last %dh (%d of %d, threshold %.1f%%)",
				s.BatchFailRate*100, s.LookbackHours, s.BatchFailed, finished, cfg.FailureRateThreshold*100),
			Details: map[string]any{"failure_rate": s.BatchFailRate, "failed": s.BatchFailed, "finished": finished},
		}
	},
	func(cfg config.MonitoringConfig, s *MetricsSnapshot) *Alert {
		results := s.ResultSuccess + s.ResultError
		if results < minSample || s.ResultErrorRate <= cfg.FailureRateThreshold {
			return nil
		}
		return &Alert{
			Type:     AlertResultErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf("%.1f%% of record lookups errored in the last %dh (%d of %d)",
				s.ResultErrorRate*100, s.LookbackHours, s.ResultError, results),
			Details: map[string]any{"error_rate": s.ResultErrorRate, "errors": s.ResultError, "results": results},
		}
	},
	func(cfg config.MonitoringConfig, s *MetricsSnapshot) *Alert {
		if len(s.StaleBatches) == 0 {
			return nil
		}
		return &Alert{
			Type:     AlertStaleBatches,
			Severity: "medium",
			Message:  fmt.Sprintf("%d batch(es) still waiting on Judit callbacks after %dh", len(s.StaleBatches), cfg.StaleAfterHours),
			Details:  map[string]any{"batch_ids": s.StaleBatches},
		}
	},
	func(cfg config.MonitoringConfig, s *MetricsSnapshot) *Alert {
		if cfg.DLQDepthThreshold <= 0 || s.DLQDepth < cfg.DLQDepthThreshold {
			return nil
		}
		return &Alert{
			Type:     AlertDeadLetterBacklog,
			Severity: "high",
			Message:  fmt.Sprintf("%d batch dispatch(es) parked in the dead letter queue", s.DLQDepth),
			Details:  map[string]any{"dlq_depth": s.DLQDepth, "threshold": cfg.DLQDepthThreshold},
		}
	},
}

// Alerter checks snapshots against the configured thresholds and posts
// the alerts it raises to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("alert_webhook", "post")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate returns the alerts snap triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now().UTC()
	var out []Alert
	for _, r := range rules {
		if al := r(a.cfg, snap); al != nil {
			al.Timestamp = now
			out = append(out, *al)
		}
	}
	return out
}

// Send posts alerts as a single Digest. It is a no-op without a webhook
// URL or without alerts.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}
	body, err := json.Marshal(Digest{Service: "processscan", Alerts: alerts, SentAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal digest")
	}

	err = resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "monitoring: build webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "monitoring: post webhook")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 300 {
			err := eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	zap.L().Info("monitoring: alerts delivered", zap.Int("alerts", len(alerts)))
	return nil
}
