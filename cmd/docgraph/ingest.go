package docgraph

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-docgraph/pkg/cost"
	"github.com/soundprediction/go-docgraph/pkg/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one batch over the document source",
	Long: `Run one batch over the document source and print the run summary.

Unchanged documents are skipped using their checkpoints unless --force is set.
The command exits with status 1 when any document failed.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	addRunFlags(ingestCmd)
	ingestCmd.Flags().Bool("force", false, "reprocess documents whose content is unchanged")
}

// FailedDocumentsError reports a run that finished with failed documents.
type FailedDocumentsError struct {
	Failed int
}

func (e *FailedDocumentsError) Error() string {
	return fmt.Sprintf("%d document(s) failed", e.Failed)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	incremental, _ := cmd.Flags().GetBool("incremental")
	force, _ := cmd.Flags().GetBool("force")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, runOptions{Incremental: incremental, Force: force}, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.coordinator.Run(ctx)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary, cfg.LLM.Model)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return &FailedDocumentsError{Failed: summary.Failed}
	}
	return nil
}

// printSummary writes the run summary. Token totals, with an estimated cost
// for known models, are shown only when inference was used.
func printSummary(w io.Writer, s *pipeline.Summary, model string) {
	fmt.Fprintln(w, s.String())
	if s.Tokens.TotalTokens > 0 {
		fmt.Fprintf(w, "tokens: prompt=%d completion=%d total=%d",
			s.Tokens.PromptTokens, s.Tokens.CompletionTokens, s.Tokens.TotalTokens)
		if usd, ok := cost.NewCalculator().Estimate(model, s.Tokens); ok {
			fmt.Fprintf(w, " est_cost=$%.4f", usd)
		}
		fmt.Fprintln(w)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s (%s): %s\n", f.SourceID, f.State, f.Reason)
	}
}
