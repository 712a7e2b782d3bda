package docgraph

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/pipeline"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

func writeDocs(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, location string) *config.Config {
	t.Helper()
	return &config.Config{
		Log:        config.LogConfig{Level: "warn", Format: "text"},
		Source:     config.SourceConfig{Type: "dir", Location: location, Extensions: []string{".txt"}},
		Graph:      config.GraphConfig{Driver: "memory"},
		Checkpoint: config.CheckpointConfig{Driver: "memory"},
		Extractor:  config.ExtractorConfig{Kind: "rule", Splitter: "sentence", ChunkSize: 600, Overlap: 100},
		Resolver:   config.ResolverConfig{Policy: "prefer-authoritative"},
		Pipeline: config.PipelineConfig{
			Workers:        2,
			MaxAttempts:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     10 * time.Millisecond,
		},
		Server:    config.ServerConfig{Host: "localhost", Port: 8080},
		Telemetry: config.TelemetryConfig{DuckDBPath: filepath.Join(t.TempDir(), "ledger.duckdb")},
	}
}

func TestAppRunsIngestion(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"a.txt": "Dr. Alice Smith works for Acme Corp in Berlin. Acme Corp was founded by Bob Jones.",
		"b.txt": "Bob Jones met Alice Smith in Berlin.",
	})
	ctx := t.Context()

	a, err := newApp(ctx, testConfig(t, dir), runOptions{}, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	first, err := a.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Committed)
	assert.Zero(t, first.Failed)

	second, err := a.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Mutations)

	latest, err := a.ledger.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.RunID, latest.RunID)

	stats, err := a.graph.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.EntityCount, int64(4))
}

func TestAppWithoutLedger(t *testing.T) {
	cfg := testConfig(t, writeDocs(t, map[string]string{"a.txt": "Dr. Alice Smith works for Acme Corp in Berlin."}))
	cfg.Telemetry.DuckDBPath = ""

	a, err := newApp(t.Context(), cfg, runOptions{Force: true}, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.ledger)
	s, err := a.coordinator.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Committed)
}

func TestAppRejectsUnknownSplitter(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Extractor.Splitter = "paragraph"

	_, err := newApp(t.Context(), cfg, runOptions{}, io.Discard)
	assert.ErrorContains(t, err, "unknown splitter")
}

func TestAppBuildsLLMExtractor(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Extractor.Kind = "llm"
	cfg.LLM = config.LLMConfig{
		Model:     "gpt-4o-mini",
		BaseURL:   "http://localhost:11434/v1",
		CachePath: filepath.Join(t.TempDir(), "cache"),
		CacheTTL:  time.Hour,
	}

	a, err := newApp(t.Context(), cfg, runOptions{}, io.Discard)
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestSourceLocation(t *testing.T) {
	assert.Equal(t, "/data", sourceLocation(config.SourceConfig{Type: "dir", Location: "/data"}))
	assert.Equal(t, "", sourceLocation(config.SourceConfig{Type: "s3", Location: "../../data/"}))
	assert.Equal(t, "s3://docs/in", sourceLocation(config.SourceConfig{Type: "s3", Location: "s3://docs/in"}))
}

func TestEntityTypes(t *testing.T) {
	assert.Nil(t, entityTypes(nil))
	assert.Equal(t, []string{"ORGANIZATION", "PERSON"},
		entityTypes(map[string]string{"org": "organization", "company": "ORGANIZATION", "human": "Person"}))
}

func TestOverrideConfigWithFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addRunFlags(cmd)
	require.NoError(t, cmd.Flags().Set("workers", "8"))
	require.NoError(t, cmd.Flags().Set("graph-driver", "memory"))

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{Workers: 4},
		Graph:    config.GraphConfig{Driver: "neo4j"},
		Source:   config.SourceConfig{Location: "/data"},
	}
	overrideConfigWithFlags(cmd, cfg)

	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "memory", cfg.Graph.Driver)
	assert.Equal(t, "/data", cfg.Source.Location)
}

func TestPrintSummary(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printSummary(&buf, &pipeline.Summary{
		RunID:      "r1",
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Second),
		Committed:  1,
		Failed:     1,
		Failures:   []pipeline.Failure{{SourceID: "b.txt", State: "extracted", Reason: "write conflict"}},
	}, "gpt-4o-mini")

	assert.Contains(t, buf.String(), "run r1: committed=1 skipped=0 failed=1")
	assert.Contains(t, buf.String(), "failed b.txt (extracted): write conflict")
	assert.NotContains(t, buf.String(), "tokens:")
	assert.EqualError(t, &FailedDocumentsError{Failed: 2}, "2 document(s) failed")

	buf.Reset()
	printSummary(&buf, &pipeline.Summary{
		RunID:  "r2",
		Tokens: types.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000},
	}, "gpt-4o-mini")
	assert.Contains(t, buf.String(), "tokens: prompt=1000000 completion=500000 total=1500000 est_cost=$0.4500")
}

func TestStatusCommand(t *testing.T) {
	t.Cleanup(viper.Reset)

	cfg := testConfig(t, writeDocs(t, map[string]string{"a.txt": "Dr. Alice Smith works for Acme Corp in Berlin."}))
	cfg.Checkpoint = config.CheckpointConfig{Driver: "badger", Path: filepath.Join(t.TempDir(), "checkpoints")}

	a, err := newApp(t.Context(), cfg, runOptions{}, io.Discard)
	require.NoError(t, err)
	s, err := a.coordinator.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, s.Committed)
	require.NoError(t, a.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status",
		"--checkpoint-driver", "badger",
		"--checkpoint-path", cfg.Checkpoint.Path,
		"--duckdb-path", cfg.Telemetry.DuckDBPath,
		"--failed",
	})
	require.NoError(t, rootCmd.ExecuteContext(t.Context()))

	assert.Contains(t, out.String(), "a.txt")
	assert.Contains(t, out.String(), "1 checkpoint(s), watermark")
	assert.Contains(t, out.String(), "run "+s.RunID+": 0 failed document(s)")
}
