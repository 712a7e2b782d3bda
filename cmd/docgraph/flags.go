package docgraph

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-docgraph/pkg/config"
)

// addRunFlags registers the flags shared by commands that run the pipeline.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("location", "", "document location (directory or s3://bucket/prefix)")
	cmd.Flags().String("source-type", "", "document source (dir, s3)")
	cmd.Flags().Int("workers", 0, "documents processed concurrently")
	cmd.Flags().String("extractor", "", "extractor kind (rule, llm)")
	cmd.Flags().String("policy", "", "attribute merge policy (prefer-existing, prefer-incoming, prefer-authoritative)")
	cmd.Flags().Bool("incremental", false, "skip sources not modified since the latest checkpoint")

	addStoreFlags(cmd)
}

// addStoreFlags registers the graph and checkpoint store flags.
func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("graph-driver", "", "graph driver (neo4j, memory)")
	cmd.Flags().String("graph-uri", "", "graph database URI")
	cmd.Flags().String("checkpoint-driver", "", "checkpoint store (badger, redis, neo4j, memory)")
	cmd.Flags().String("checkpoint-path", "", "badger checkpoint directory")
	cmd.Flags().String("duckdb-path", "", "run ledger database file")
}

// overrideConfigWithFlags copies explicitly set flags over the loaded
// configuration. Flags a command does not define are never Changed.
func overrideConfigWithFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("location") {
		cfg.Source.Location, _ = flags.GetString("location")
	}
	if flags.Changed("source-type") {
		cfg.Source.Type, _ = flags.GetString("source-type")
	}
	if flags.Changed("workers") {
		cfg.Pipeline.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("extractor") {
		cfg.Extractor.Kind, _ = flags.GetString("extractor")
	}
	if flags.Changed("policy") {
		cfg.Resolver.Policy, _ = flags.GetString("policy")
	}

	if flags.Changed("graph-driver") {
		cfg.Graph.Driver, _ = flags.GetString("graph-driver")
	}
	if flags.Changed("graph-uri") {
		cfg.Graph.URI, _ = flags.GetString("graph-uri")
	}
	if flags.Changed("checkpoint-driver") {
		cfg.Checkpoint.Driver, _ = flags.GetString("checkpoint-driver")
	}
	if flags.Changed("checkpoint-path") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint-path")
	}
	if flags.Changed("duckdb-path") {
		cfg.Telemetry.DuckDBPath, _ = flags.GetString("duckdb-path")
	}

	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("mode") {
		cfg.Server.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("interval") {
		cfg.Server.Interval, _ = flags.GetDuration("interval")
	}
}

// commandConfig loads the configuration with cmd's flags applied.
func commandConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	overrideConfigWithFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
