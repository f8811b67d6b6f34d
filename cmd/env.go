package main

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/config"
	"github.com/sells-group/processscan/internal/crm"
	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/lookup"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/resilience"
	"github.com/sells-group/processscan/internal/store"
	"github.com/sells-group/processscan/pkg/assertiva"
	"github.com/sells-group/processscan/pkg/invertexto"
	"github.com/sells-group/processscan/pkg/judit"
	"github.com/sells-group/processscan/pkg/pipedrive"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "processscan.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates. Callers close the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func juditRetry(c config.JuditConfig) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if c.RetryAttempts > 0 {
		rc.MaxAttempts = c.RetryAttempts
	}
	if c.RetryBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(c.RetryBackoffMs) * time.Millisecond
	}
	return rc
}

func newJuditClient(c config.JuditConfig) judit.Client {
	opts := []judit.Option{judit.WithRetry(juditRetry(c))}
	if c.BaseURL != "" {
		opts = append(opts, judit.WithBaseURL(c.BaseURL))
	}
	if c.TimeoutSecs > 0 {
		opts = append(opts, judit.WithTimeout(time.Duration(c.TimeoutSecs)*time.Second))
	}
	return judit.NewClient(c.APIKey, opts...)
}

// callbackURL is the webhook URL sent with async searches, carrying the
// callback token when one is configured.
func callbackURL(c config.JuditConfig) string {
	if c.CallbackURL == "" || c.CallbackToken == "" {
		return c.CallbackURL
	}
	u, err := url.Parse(c.CallbackURL)
	if err != nil {
		return c.CallbackURL
	}
	q := u.Query()
	if q.Get("token") == "" {
		q.Set("token", c.CallbackToken)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func newDispatcher(st store.Store) *legal.Dispatcher {
	return legal.NewDispatcher(st, newJuditClient(cfg.Judit), legal.DispatcherConfig{
		CallbackURL: callbackURL(cfg.Judit),
		Delay:       cfg.Dispatch.Delay(),
	})
}

func dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return tc, nil
}

// newPipedrive returns nil when no API token is configured.
func newPipedrive(c config.PipedriveConfig) pipedrive.Client {
	if c.APIToken == "" {
		return nil
	}
	opts := []pipedrive.Option{pipedrive.WithRateLimit(c.RateLimit)}
	if c.BaseURL != "" {
		opts = append(opts, pipedrive.WithBaseURL(c.BaseURL))
	}
	return pipedrive.NewClient(c.Domain, c.APIToken, opts...)
}

func newCRMLoader(pd pipedrive.Client, c config.PipedriveConfig) *crm.Loader {
	if pd == nil {
		return nil
	}
	return crm.NewLoader(pd, crm.Config{
		PersonCPFKey: c.PersonCPFKey,
		OrgCNPJKey:   c.OrgCNPJKey,
		MaxDeals:     c.MaxDeals,
	})
}

// lookupProviders builds the configured providers in priority order.
func lookupProviders(c *config.Config) ([]lookup.Provider, error) {
	var out []lookup.Provider
	for _, name := range c.Lookup.Providers {
		switch name {
		case "invertexto":
			opts := []invertexto.Option{}
			if c.Invertexto.BaseURL != "" {
				opts = append(opts, invertexto.WithBaseURL(c.Invertexto.BaseURL))
			}
			out = append(out, lookup.Invertexto{Client: invertexto.NewClient(c.Invertexto.Token, opts...)})
		case "assertiva":
			opts := []assertiva.Option{}
			if c.Assertiva.BaseURL != "" {
				opts = append(opts, assertiva.WithBaseURL(c.Assertiva.BaseURL))
			}
			out = append(out, lookup.Assertiva{Client: assertiva.NewClient(c.Assertiva.ClientID, c.Assertiva.ClientSecret, opts...)})
		default:
			return nil, eris.Errorf("unknown lookup provider %q", name)
		}
	}
	return out, nil
}

func newLookupChain(c *config.Config) (*lookup.Chain, error) {
	providers, err := lookupProviders(c)
	if err != nil {
		return nil, err
	}
	return lookup.NewChain(lookup.Config{
		Breaker: resilience.BreakerConfig{
			Threshold: c.Lookup.FailureThreshold,
			Cooldown:  time.Duration(c.Lookup.ResetTimeoutSecs) * time.Second,
		},
		RateLimit: c.Lookup.RateLimit,
	}, providers...), nil
}

// resubmitProcessing hands every batch still in processing to sub. The
// in-process supervisor has its own Recover; this serves the Temporal path,
// where a workflow id per batch keeps resubmission idempotent.
func resubmitProcessing(ctx context.Context, st store.Store, sub legal.Submitter) (int, error) {
	batches, err := st.ListBatches(ctx, store.BatchFilter{Status: model.BatchStatusProcessing, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "list processing batches")
	}
	n := 0
	for _, b := range batches {
		if err := sub.Submit(ctx, b.ID); err != nil {
			zap.L().Error("resubmit batch", zap.String("batch_id", b.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
