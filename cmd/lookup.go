package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/processscan/internal/sheet"
)

var (
	lookupFile   string
	lookupColumn string
	lookupOutput string
)

var lookupCmd = &cobra.Command{
	Use:   "lookup [cpf-or-cnpj]",
	Short: "Look up a CPF or CNPJ in the registry providers",
	Long:  "Looks up one tax ID, or with --file every row of a spreadsheet, against the configured providers in priority order.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("lookup"); err != nil {
			return err
		}
		chain, err := newLookupChain(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		switch {
		case lookupFile != "":
			records, err := sheet.ReadFile(ctx, lookupFile, sheet.Options{})
			if err != nil {
				return err
			}
			rows, err := chain.Enrich(ctx, records, lookupColumn, cfg.Lookup.Concurrency)
			if err != nil {
				return err
			}
			return printOutput(out, lookupOutput, rows)
		case len(args) == 1:
			prof, err := chain.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			return printOutput(out, lookupOutput, prof)
		default:
			return eris.New("give a tax id or --file")
		}
	},
}

func init() {
	lookupCmd.Flags().StringVar(&lookupFile, "file", "", "XLSX or CSV file to enrich")
	lookupCmd.Flags().StringVar(&lookupColumn, "column", "", "column holding the tax id (default: CPF/CNPJ detection)")
	lookupCmd.Flags().StringVarP(&lookupOutput, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(lookupCmd)
}
