package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/processscan/internal/legal"
	"github.com/sells-group/processscan/internal/model"
	"github.com/sells-group/processscan/internal/sheet"
	"github.com/sells-group/processscan/internal/store"
)

var (
	statusResults bool
	statusExport  string
	statusFilter  string
	statusLimit   int
	statusOutput  string
)

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show one batch, or list recent batches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Read-only: nothing is ever submitted from here.
		svc := legal.NewService(st, nil)
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			batches, err := svc.ListBatches(ctx, store.BatchFilter{
				Status: model.BatchStatus(statusFilter),
				Limit:  statusLimit,
			})
			if err != nil {
				return err
			}
			return printOutput(out, statusOutput, batches)
		}

		if !statusResults && statusExport == "" {
			b, err := svc.GetBatchStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printOutput(out, statusOutput, b)
		}

		res, err := svc.GetBatchResults(ctx, args[0])
		if err != nil {
			return err
		}
		if statusExport != "" {
			if err := sheet.WriteResults(statusExport, res.Results); err != nil {
				return err
			}
		}
		if statusResults {
			return printOutput(out, statusOutput, res)
		}
		return printOutput(out, statusOutput, res.Batch)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusResults, "results", false, "include per-record results")
	statusCmd.Flags().StringVar(&statusExport, "export", "", "write results to this XLSX file")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter the listing by status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum batches to list")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(statusCmd)
}
