package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("TXT_DIRECTORY_PATH", "")
	t.Setenv("NEO4J_URI", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dir", cfg.Source.Type)
	assert.Equal(t, "../../data/", cfg.Source.Location)
	assert.Equal(t, []string{".txt"}, cfg.Source.Extensions)
	assert.Equal(t, 600, cfg.Extractor.ChunkSize)
	assert.Equal(t, 100, cfg.Extractor.Overlap)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.TransactionTimeout)
	assert.Equal(t, "badger", cfg.Checkpoint.Driver)
	require.NoError(t, cfg.Validate())

	policy, err := cfg.MergePolicy()
	require.NoError(t, err)
	assert.Equal(t, types.PreferAuthoritative, policy.Kind)
}

func TestLoadEnvironment(t *testing.T) {
	viper.Reset()
	t.Setenv("TXT_DIRECTORY_PATH", "/srv/docs")
	t.Setenv("NEO4J_URI", "neo4j://graph:7687")
	t.Setenv("NEO4J_USERNAME", "ingest")
	t.Setenv("DOCGRAPH_PIPELINE_WORKERS", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/docs", cfg.Source.Location)
	assert.Equal(t, "neo4j://graph:7687", cfg.Graph.URI)
	assert.Equal(t, "ingest", cfg.Graph.Username)
	assert.Equal(t, 12, cfg.Pipeline.Workers)
}

func TestLoadFile(t *testing.T) {
	viper.Reset()
	t.Setenv("TXT_DIRECTORY_PATH", "")

	path := filepath.Join(t.TempDir(), "docgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resolver:
  policy: prefer-existing
  authoritative_sources: [registry.txt]
extractor:
  synonyms:
    ibm: international business machines
  predicates:
    works_for: ["works for", "employed by"]
`), 0o644))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prefer-existing", cfg.Resolver.Policy)
	assert.Equal(t, []string{"registry.txt"}, cfg.Resolver.AuthoritativeSources)
	assert.Equal(t, "international business machines", cfg.Extractor.Synonyms["ibm"])
	assert.Equal(t, []string{"works for", "employed by"}, cfg.Extractor.Predicates["works_for"])
}

func TestValidate(t *testing.T) {
	viper.Reset()
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown graph driver", func(c *Config) { c.Graph.Driver = "falkordb" }},
		{"unknown checkpoint driver", func(c *Config) { c.Checkpoint.Driver = "sqlite" }},
		{"neo4j checkpoints without neo4j graph", func(c *Config) {
			c.Graph.Driver = "memory"
			c.Checkpoint.Driver = "neo4j"
		}},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad policy", func(c *Config) { c.Resolver.Policy = "newest-wins" }},
		{"s3 without bucket", func(c *Config) { c.Source.Type = "s3" }},
		{"overlap too large", func(c *Config) { c.Extractor.Overlap = 600 }},
		{"llm without credentials", func(c *Config) {
			c.Extractor.Kind = "llm"
			c.LLM.APIKey = ""
			c.LLM.BaseURL = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
