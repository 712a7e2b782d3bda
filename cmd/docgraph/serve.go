package docgraph

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-docgraph/pkg/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline periodically behind an HTTP API",
	Long: `Run the pipeline on a fixed interval and serve its status over HTTP.

The server provides endpoints for:
- Health and readiness checks
- Prometheus metrics
- Triggering a run and reading the latest run summary
- Per-document states of the current run

SIGINT or SIGTERM cancels the active run, stops the server and exits.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addRunFlags(serveCmd)

	serveCmd.Flags().String("host", "localhost", "Server host")
	serveCmd.Flags().Int("port", 8080, "Server port")
	serveCmd.Flags().String("mode", "release", "Server mode (debug, release, test)")
	serveCmd.Flags().Duration("interval", 15*time.Minute, "Time between scheduled runs; zero runs once at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	incremental, _ := cmd.Flags().GetBool("incremental")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, runOptions{Incremental: incremental}, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := server.NewScheduler(a.coordinator, cfg.Server.Interval, a.logger)
	srv := server.New(cfg.Server, scheduler, a.graph, a.registry, a.logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()
	scheduler.Start(ctx)

	select {
	case err = <-serverErr:
		err = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("server shutdown error: %w", serr)
	}
	scheduler.Wait()

	if err == nil {
		a.logger.Info("server stopped gracefully")
	}
	return err
}
