package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/shelfsight/upcguard/internal/ingest"
)

var (
	importFile  string
	importSheet string
)

var importCmd = &cobra.Command{
	Use:   "import <analysis-id>",
	Short: "Ingest an inventory file (XLSX or CSV) into a batch",
	Long: `Reads an inventory export, detects the product/UPC columns from the
header row, and stores the normalized rows under the given analysis ID.

Examples:
  upcguard import batch-2026-08 --file inventory.xlsx
  upcguard import batch-2026-08 --file export.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if importFile == "" {
			return eris.New("import: --file is required")
		}
		analysisID := args[0]

		records, err := ingest.FromFile(importFile, ingest.Options{
			AnalysisID: analysisID,
			MaxRows:    cfg.Ingest.MaxRows,
			SheetName:  importSheet,
		})
		if err != nil {
			return eris.Wrapf(err, "import: read %s", importFile)
		}
		zap.L().Info("parsed inventory file",
			zap.String("file", importFile),
			zap.Int("records", len(records)),
		)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.InsertRecords(ctx, records); err != nil {
			return eris.Wrap(err, "import: insert records")
		}

		p := message.NewPrinter(language.English)
		p.Printf("Imported %d records into analysis %s\n", len(records), analysisID)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "inventory file path (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	rootCmd.AddCommand(importCmd)
}
