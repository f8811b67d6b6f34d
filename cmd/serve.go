package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/api"
	"github.com/sells-group/processscan/internal/auth"
	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/monitoring"
	"github.com/sells-group/processscan/internal/resilience"
	"github.com/sells-group/processscan/internal/task"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, webhook receiver and background dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		deps := api.Deps{
			Store:             st,
			CallbackToken:     cfg.Judit.CallbackToken,
			CORSOrigins:       cfg.Server.CORSOrigins,
			LookupConcurrency: cfg.Lookup.Concurrency,
		}

		var submitter legal.Submitter
		var sup *task.Supervisor
		if cfg.Temporal.Enabled {
			tc, err := dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()
			runner := task.NewTemporalRunner(tc, cfg.Temporal.TaskQueue)
			submitter = runner
			n, err := resubmitProcessing(ctx, st, runner)
			if err != nil {
				return err
			}
			zap.L().Info("resubmitted unfinished batches to temporal", zap.Int("batches", n))
		} else {
			retry := resilience.DefaultRetryConfig()
			if cfg.Dispatch.RetryIntervalSecs > 0 {
				retry.InitialBackoff = time.Duration(cfg.Dispatch.RetryIntervalSecs) * time.Second
			}
			sup = task.NewSupervisor(newDispatcher(st), st, task.Config{
				MaxConcurrent: cfg.Dispatch.MaxConcurrentBatches,
				MaxRetries:    cfg.Dispatch.MaxRetries,
				Retry:         retry,
			})
			submitter = sup
			deps.Tasks = sup

			n, err := sup.Recover(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("resumed unfinished batches", zap.Int("batches", n))
			go sup.RunRetries(ctx, time.Duration(cfg.Dispatch.RetryIntervalSecs)*time.Second)
		}
		deps.Service = legal.NewService(st, submitter)

		if ttl := cfg.Judit.CallbackTTL(); ttl > 0 {
			go legal.NewSweeper(st, ttl).Run(ctx, time.Duration(cfg.Judit.SweepInterval)*time.Second)
		} else if cfg.Judit.CallbackURL != "" {
			// A callback that beats its own request row is discarded as unknown;
			// without the sweeper that batch never completes.
			zap.L().Warn("callback sweeper disabled; set judit.callback_ttl_mins to expire lost callbacks")
		}

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(st, time.Duration(cfg.Monitoring.StaleAfterHours)*time.Hour)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		if pd := newPipedrive(cfg.Pipedrive); pd != nil {
			deps.Pipedrive = pd
			deps.CRM = newCRMLoader(pd, cfg.Pipedrive)
		}

		if err := cfg.Validate("lookup"); err == nil {
			chain, err := newLookupChain(cfg)
			if err != nil {
				return err
			}
			deps.Lookup = chain
		} else {
			zap.L().Info("registry lookups disabled", zap.Error(err))
		}

		if cfg.Auth.JWTSecret != "" {
			deps.Auth = auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL())
		} else {
			zap.L().Warn("auth.jwt_secret not set, API is unauthenticated")
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.New(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- eris.Wrap(err, "server listen")
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
		if sup != nil {
			if err := sup.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("supervisor shutdown", zap.Error(err))
			}
		}
		return nil
	},
}

func shutdownTimeout() time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	}
	return 30 * time.Second
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
