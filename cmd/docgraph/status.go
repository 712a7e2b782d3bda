package docgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-docgraph/pkg/checkpoint"
	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/logger"
	"github.com/soundprediction/go-docgraph/pkg/telemetry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints, the watermark and recorded failures",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addStoreFlags(statusCmd)
	statusCmd.Flags().Bool("failed", false, "list failed documents from the run ledger")
	statusCmd.Flags().String("run", "", "run id for --failed (default latest run)")
	statusCmd.Flags().Bool("stats", false, "print graph entity and relationship counts")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := slog.New(logger.NewHandler(os.Stderr, level, cfg.Log.Format))
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	showFailed, _ := cmd.Flags().GetBool("failed")
	runID, _ := cmd.Flags().GetString("run")
	showStats, _ := cmd.Flags().GetBool("stats")

	var graph driver.GraphStore
	if showStats || cfg.Checkpoint.Driver == "neo4j" {
		graph, err = driver.NewFromConfig(cfg.Graph, log)
		if err != nil {
			return err
		}
		defer graph.Close(context.WithoutCancel(ctx))
	}

	if err := printCheckpoints(ctx, out, cfg.Checkpoint, graph, log); err != nil {
		return err
	}
	if showStats {
		if err := printStats(ctx, out, graph); err != nil {
			return err
		}
	}
	if showFailed {
		return printFailures(ctx, out, cfg.Telemetry.DuckDBPath, runID)
	}
	return nil
}

func printCheckpoints(ctx context.Context, out io.Writer, cfg config.CheckpointConfig, graph driver.GraphStore, log *slog.Logger) error {
	store, err := checkpoint.NewFromConfig(cfg, graph, log)
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := store.List(ctx)
	if err != nil {
		return err
	}
	watermark, err := checkpoint.Watermark(ctx, store)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tHASH\tPROCESSED")
	for _, cp := range all {
		hash := cp.LastContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cp.SourceID, hash, cp.ProcessedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if watermark.IsZero() {
		fmt.Fprintf(out, "\n%d checkpoint(s), no watermark\n", len(all))
	} else {
		fmt.Fprintf(out, "\n%d checkpoint(s), watermark %s\n", len(all), watermark.Format(time.RFC3339))
	}
	return nil
}

func printStats(ctx context.Context, out io.Writer, graph driver.GraphStore) error {
	stats, err := graph.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read graph stats: %w", err)
	}
	fmt.Fprintf(out, "\nentities=%d relationships=%d\n", stats.EntityCount, stats.RelationshipCount)
	labels := make([]string, 0, len(stats.EntitiesByType))
	for label := range stats.EntitiesByType {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	for _, label := range labels {
		fmt.Fprintf(out, "  %s: %d\n", label, stats.EntitiesByType[label])
	}
	return nil
}

func printFailures(ctx context.Context, out io.Writer, path, runID string) error {
	if path == "" {
		return errors.New("--failed requires telemetry.duckdb_path")
	}
	db, err := telemetry.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, err := telemetry.NewLedger(ctx, db)
	if err != nil {
		return err
	}
	if runID == "" {
		latest, err := ledger.LatestRun(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			fmt.Fprintln(out, "\nno runs recorded")
			return nil
		}
		runID = latest.RunID
	}

	failures, err := ledger.FailedDocuments(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nrun %s: %d failed document(s)\n", runID, len(failures))
	for _, f := range failures {
		fmt.Fprintf(out, "  %s (%s): %s\n", f.SourceID, f.State, f.Reason)
	}
	return nil
}
