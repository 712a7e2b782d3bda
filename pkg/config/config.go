package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Config holds all configuration for the application
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Source     SourceConfig     `mapstructure:"source"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

// SourceConfig describes where documents are loaded from.
type SourceConfig struct {
	Type       string   `mapstructure:"type"` // dir, s3
	Location   string   `mapstructure:"location"`
	Extensions []string `mapstructure:"extensions"`
	Recursive  bool     `mapstructure:"recursive"`

	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// GraphConfig holds graph store configuration
type GraphConfig struct {
	Driver      string `mapstructure:"driver"` // neo4j, memory
	URI         string `mapstructure:"uri"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Driver        string `mapstructure:"driver"` // badger, redis, neo4j, memory
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// ExtractorConfig holds extraction configuration
type ExtractorConfig struct {
	Kind          string `mapstructure:"kind"`     // rule, llm
	Splitter      string `mapstructure:"splitter"` // sentence, window, token
	ChunkSize     int    `mapstructure:"chunk_size"`
	Overlap       int    `mapstructure:"overlap"`
	TokenEncoding string `mapstructure:"token_encoding"`
	MaxUnitChars  int    `mapstructure:"max_unit_chars"`

	// Synonyms maps an alias to its canonical name.
	Synonyms map[string]string `mapstructure:"synonyms"`
	// Gazetteer maps known entity names to their type label.
	Gazetteer map[string]string `mapstructure:"gazetteer"`
	// Types maps a type label alias to its canonical label.
	Types map[string]string `mapstructure:"types"`
	// Predicates maps a predicate to the trigger phrases that express it.
	Predicates            map[string][]string `mapstructure:"predicates"`
	ClosedVocabulary      bool                `mapstructure:"closed_vocabulary"`
	CoOccurrencePredicate string              `mapstructure:"co_occurrence_predicate"`
}

// LLMConfig holds LLM configuration
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	CachePath   string        `mapstructure:"cache_path"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around inference calls.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// ResolverConfig holds the attribute merge policy.
type ResolverConfig struct {
	Policy               string   `mapstructure:"policy"`
	AuthoritativeSources []string `mapstructure:"authoritative_sources"`
}

// PipelineConfig holds coordinator configuration
type PipelineConfig struct {
	Workers            int           `mapstructure:"workers"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	InferenceTimeout   time.Duration `mapstructure:"inference_timeout"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Mode     string        `mapstructure:"mode"` // gin mode: debug, release, test
	Interval time.Duration `mapstructure:"interval"`
}

// TelemetryConfig holds the run ledger location.
type TelemetryConfig struct {
	DuckDBPath string `mapstructure:"duckdb_path"`
}

// MergePolicy returns the configured resolver policy.
func (c *Config) MergePolicy() (types.MergePolicy, error) {
	kind, err := types.ParseMergePolicyKind(c.Resolver.Policy)
	if err != nil {
		return types.MergePolicy{}, err
	}
	return types.MergePolicy{Kind: kind, AuthoritativeSources: c.Resolver.AuthoritativeSources}, nil
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()
	viper.SetEnvPrefix("DOCGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("source.type", "dir")
	viper.SetDefault("source.location", "../../data/")
	viper.SetDefault("source.extensions", []string{".txt"})
	viper.SetDefault("source.recursive", false)
	viper.SetDefault("source.region", "us-east-1")

	viper.SetDefault("graph.driver", "neo4j")
	viper.SetDefault("graph.uri", "bolt://localhost:7687")
	viper.SetDefault("graph.username", "neo4j")
	viper.SetDefault("graph.password", "password")
	viper.SetDefault("graph.database", "neo4j")
	viper.SetDefault("graph.max_pool_size", 50)

	viper.SetDefault("checkpoint.driver", "badger")
	viper.SetDefault("checkpoint.path", "./data/checkpoints")
	viper.SetDefault("checkpoint.redis_addr", "localhost:6379")
	viper.SetDefault("checkpoint.key_prefix", "docgraph:checkpoint")

	viper.SetDefault("extractor.kind", "rule")
	viper.SetDefault("extractor.splitter", "sentence")
	viper.SetDefault("extractor.chunk_size", 600)
	viper.SetDefault("extractor.overlap", 100)
	viper.SetDefault("extractor.token_encoding", "cl100k_base")
	viper.SetDefault("extractor.max_unit_chars", 4000)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.cache_ttl", 7*24*time.Hour)
	viper.SetDefault("llm.breaker.max_failures", 5)
	viper.SetDefault("llm.breaker.open_timeout", 30*time.Second)

	viper.SetDefault("resolver.policy", string(types.PreferAuthoritative))

	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.max_attempts", 5)
	viper.SetDefault("pipeline.backoff_initial", 100*time.Millisecond)
	viper.SetDefault("pipeline.backoff_max", 5*time.Second)
	viper.SetDefault("pipeline.fetch_timeout", 30*time.Second)
	viper.SetDefault("pipeline.inference_timeout", 2*time.Minute)
	viper.SetDefault("pipeline.transaction_timeout", 30*time.Second)

	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.interval", 15*time.Minute)

	viper.SetDefault("telemetry.duckdb_path", "./data/docgraph.duckdb")
}

// overrideWithEnv applies the environment variables the ingestion scripts
// have always read.
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.LLM.APIKey == "" {
		config.LLM.APIKey = apiKey
	}

	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Graph.URI = uri
	}
	if user := os.Getenv("NEO4J_USERNAME"); user != "" {
		config.Graph.Username = user
	} else if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Graph.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Graph.Password = pass
	}

	if dir := os.Getenv("TXT_DIRECTORY_PATH"); dir != "" {
		config.Source.Location = dir
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Type {
	case "dir":
		if c.Source.Location == "" {
			errs = append(errs, errors.New("source.location is required for dir sources"))
		}
	case "s3":
		if c.Source.Bucket == "" {
			errs = append(errs, errors.New("source.bucket is required for s3 sources"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source type %q", c.Source.Type))
	}

	switch c.Graph.Driver {
	case "neo4j":
		if c.Graph.URI == "" {
			errs = append(errs, errors.New("graph.uri is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown graph driver %q", c.Graph.Driver))
	}

	switch c.Checkpoint.Driver {
	case "badger", "redis", "memory":
	case "neo4j":
		if c.Graph.Driver != "neo4j" {
			errs = append(errs, errors.New("neo4j checkpoints require the neo4j graph driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint driver %q", c.Checkpoint.Driver))
	}

	switch c.Extractor.Kind {
	case "rule":
	case "llm":
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			errs = append(errs, errors.New("llm.api_key or llm.base_url is required for llm extraction"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown extractor kind %q", c.Extractor.Kind))
	}

	switch c.Extractor.Splitter {
	case "sentence", "window", "token":
	default:
		errs = append(errs, fmt.Errorf("unknown splitter %q", c.Extractor.Splitter))
	}
	if c.Extractor.Overlap >= c.Extractor.ChunkSize {
		errs = append(errs, fmt.Errorf("extractor.overlap (%d) must be smaller than chunk_size (%d)",
			c.Extractor.Overlap, c.Extractor.ChunkSize))
	}

	if _, err := c.MergePolicy(); err != nil {
		errs = append(errs, err)
	}

	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}

	return errors.Join(errs...)
}
