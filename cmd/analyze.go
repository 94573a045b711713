package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

var (
	analyzeOrg     string
	analyzeUser    string
	analyzeRetries int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <analysis-id>",
	Short: "Run conflict detection over an ingested batch",
	Long: `Loads the records ingested under the given analysis ID, detects UPC
conflicts, and reconciles them against previously detected conflicts.
Re-running an unchanged batch is idempotent.

Examples:
  upcguard analyze batch-2026-08 --org acme
  upcguard analyze batch-2026-08 --org acme --retries 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if analyzeOrg == "" {
			return eris.New("analyze: --org is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		e, err := initEnv(st)
		if err != nil {
			return err
		}

		scope := model.Scope{OrganizationID: analyzeOrg, UserID: analyzeUser}
		analysisID := args[0]

		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.MaxAttempts = analyzeRetries
		retryCfg.OnRetry = func(attempt int, err error) {
			zap.L().Warn("retrying analysis",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		outcome, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*model.AnalysisOutcome, error) {
			return e.engine.RunAnalysis(ctx, scope, analysisID)
		})
		if err != nil {
			return eris.Wrapf(err, "analyze: run %s", analysisID)
		}

		p := message.NewPrinter(language.English)
		p.Printf("Analysis %s complete: %d conflicts (%d new, %d updated, %d unchanged)\n",
			analysisID, outcome.ConflictsFound(), outcome.Created, outcome.Updated, outcome.Unchanged)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOrg, "org", "", "organization ID (required)")
	analyzeCmd.Flags().StringVar(&analyzeUser, "user", "", "acting user ID")
	analyzeCmd.Flags().IntVar(&analyzeRetries, "retries", 1, "attempts on dependency failure")
	rootCmd.AddCommand(analyzeCmd)
}
