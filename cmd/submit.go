package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/sheet"
	"github.com/sells-group/processscan/internal/task"
)

var (
	submitFile        string
	submitSheet       string
	submitOnDemand    bool
	submitAttachments bool
	submitOutput      string
	submitExport      string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Dispatch a spreadsheet of records as one batch and wait for it",
	Long: "Reads an XLSX or CSV file whose header row names the columns (CPF, CNPJ, Pessoa, Organização...), " +
		"dispatches it in-process and prints the batch. On-demand batches finish when the webhook receives every callback.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("submit"); err != nil {
			return err
		}

		records, err := sheet.ReadFile(ctx, submitFile, sheet.Options{SheetName: submitSheet})
		if err != nil {
			return err
		}
		zap.L().Info("records loaded", zap.String("file", submitFile), zap.Int("records", len(records)))

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sup := task.NewSupervisor(newDispatcher(st), st, task.Config{MaxConcurrent: 1, MaxRetries: cfg.Dispatch.MaxRetries})
		svc := legal.NewService(st, sup)

		b, err := svc.StartBatch(ctx, legal.StartRequest{
			Records:         records,
			Mode:            model.ModeFromOnDemand(submitOnDemand),
			WithAttachments: submitAttachments,
		})
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			sup.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout())
			defer cancel()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("supervisor shutdown", zap.Error(err))
			}
			zap.L().Warn("submit interrupted, batch resumes on next serve", zap.String("batch_id", b.ID))
		}

		res, err := svc.GetBatchResults(cmd.Context(), b.ID)
		if err != nil {
			return err
		}
		if submitExport != "" {
			if err := sheet.WriteResults(submitExport, res.Results); err != nil {
				return err
			}
			zap.L().Info("results exported", zap.String("file", submitExport))
		}
		return printOutput(cmd.OutOrStdout(), submitOutput, res.Batch)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "XLSX or CSV file with a header row")
	submitCmd.Flags().StringVar(&submitSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	submitCmd.Flags().BoolVar(&submitOnDemand, "on-demand", false, "live search with webhook callbacks")
	submitCmd.Flags().BoolVar(&submitAttachments, "with-attachments", true, "ask the provider for attachments")
	submitCmd.Flags().StringVarP(&submitOutput, "output", "o", "yaml", "output format: yaml or json")
	submitCmd.Flags().StringVar(&submitExport, "export", "", "write results to this XLSX file")
	_ = submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}
