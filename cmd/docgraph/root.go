// Package docgraph implements the docgraph command line.
package docgraph

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "docgraph",
	Short: "Build a knowledge graph from a document collection",
	Long: `docgraph loads text documents, extracts entities and relationships, resolves
them against the existing graph and writes each document's changes in one
transaction. A checkpoint per document lets later runs skip unchanged sources.

Configuration is read from docgraph.yaml, DOCGRAPH_* environment variables and
command-line flags, in increasing order of precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./docgraph.yaml or $HOME/.docgraph/docgraph.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	_ = viper.BindEnv("llm.api_key", "DOCGRAPH_LLM_API_KEY", "OPENAI_API_KEY")
	_ = viper.BindEnv("llm.base_url", "DOCGRAPH_LLM_BASE_URL", "LLM_BASE_URL")
	_ = viper.BindEnv("graph.database", "DOCGRAPH_GRAPH_DATABASE", "NEO4J_DATABASE")
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docgraph")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.docgraph")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}
