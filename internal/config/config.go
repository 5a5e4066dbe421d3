// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the ragrunner configuration.
//
// Values come from Default(), then an optional YAML file, then RAGRUNNER_*
// environment variables. Secret-bearing fields may hold a reference
// instead of a literal: env:NAME reads an environment variable and
// keyring:service/user reads the system keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ragrunner/internal/tracing"
	ragerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools/builtin"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Provider types.
const (
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

// Storage backend types.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Retrieval store types.
const (
	StoreMemory   = "memory"
	StorePGVector = "pgvector"
)

// Config is the complete ragrunner configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	Specs     SpecsConfig     `yaml:"specs"`
	Tools     ToolsConfig     `yaml:"tools"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Backend   BackendConfig   `yaml:"backend"`
	Tracing   tracing.Config  `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Eval      EvalConfig      `yaml:"eval"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text). Empty picks text on a
	// terminal and json otherwise.
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// LLMConfig configures the completion and embedding provider.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "scripted",
	// an offline provider that echoes prompts.
	// Environment: RAGRUNNER_LLM_PROVIDER
	Provider string `yaml:"provider"`

	// Environment: RAGRUNNER_LLM_BASE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey is a literal or a secret reference.
	// Environment: RAGRUNNER_LLM_API_KEY
	// Default: env:OPENAI_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// Model is the default model for specs that name none.
	// Environment: RAGRUNNER_LLM_MODEL
	Model string `yaml:"model,omitempty"`

	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// Dimension is the embedding vector length.
	Dimension int `yaml:"dimension,omitempty"`

	// RequestTimeout bounds one HTTP request to the provider.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryBaseDelay and RetryMaxDelay bound step retry backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// SpecsConfig locates workflow and agent specs and prompt templates.
type SpecsConfig struct {
	// Environment: RAGRUNNER_SPECS_DIR
	Dir string `yaml:"dir"`

	// Environment: RAGRUNNER_PROMPTS_DIR
	PromptsDir string `yaml:"prompts_dir,omitempty"`

	// Watch reloads specs and custom tools when their files change.
	Watch bool `yaml:"watch"`
}

// ToolsConfig configures built-in and custom tools.
type ToolsConfig struct {
	// Dir holds custom tool definitions.
	// Environment: RAGRUNNER_TOOLS_DIR
	Dir string `yaml:"dir,omitempty"`

	SQL SQLToolConfig `yaml:"sql,omitempty"`
	API APIToolConfig `yaml:"api,omitempty"`
}

// SQLToolConfig enables the sql_query tool when DSN is set.
type SQLToolConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver,omitempty"`

	// DSN is a literal or a secret reference.
	DSN string `yaml:"dsn,omitempty"`
}

// APIToolConfig enables the api_request tool.
type APIToolConfig struct {
	Enabled            bool              `yaml:"enabled"`
	BaseURL            string            `yaml:"base_url,omitempty"`
	Headers            map[string]string `yaml:"headers,omitempty"`
	Timeout            time.Duration     `yaml:"timeout,omitempty"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute,omitempty"`
}

// RetrievalConfig configures the retrieval stores and pipeline.
type RetrievalConfig struct {
	Stores []StoreConfig `yaml:"stores,omitempty"`

	// Reranker is "lexical" or "hybrid".
	Reranker string `yaml:"reranker,omitempty"`

	// RewriteModel overrides the model used for query rewrites.
	RewriteModel string `yaml:"rewrite_model,omitempty"`

	ChunkWords   int `yaml:"chunk_words,omitempty"`
	ChunkOverlap int `yaml:"chunk_overlap,omitempty"`

	EmbedCache EmbedCacheConfig `yaml:"embed_cache,omitempty"`
}

// StoreConfig declares one retrieval backend.
type StoreConfig struct {
	Name string `yaml:"name"`

	// Type is "memory" or "pgvector".
	Type string `yaml:"type"`

	// Documents is a file or directory ingested into a memory store at
	// startup.
	Documents string `yaml:"documents,omitempty"`

	// DSN is a literal or a secret reference for pgvector stores.
	DSN      string `yaml:"dsn,omitempty"`
	Table    string `yaml:"table,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

// EmbedCacheConfig enables the Redis embedding cache when URL is set.
type EmbedCacheConfig struct {
	// URL is a redis:// URL, literal or secret reference.
	// Environment: RAGRUNNER_REDIS_URL
	URL string        `yaml:"url,omitempty"`
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// BackendConfig configures where execution records and evaluation
// results are stored.
type BackendConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	// Environment: RAGRUNNER_BACKEND
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Environment: RAGRUNNER_SQLITE_PATH
	Path string `yaml:"path,omitempty"`
	WAL  bool   `yaml:"wal"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is a literal or a secret reference.
	// Environment: RAGRUNNER_POSTGRES_URL
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns           int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns           int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	// Environment: RAGRUNNER_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// EvalConfig configures the evaluation harness.
type EvalConfig struct {
	// JudgeModel critiques answers in hallucination cases. Empty uses the
	// provider default.
	JudgeModel string `yaml:"judge_model,omitempty"`

	Concurrency int `yaml:"concurrency"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			APIKey:         "env:OPENAI_API_KEY",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Dimension:      1536,
			RequestTimeout: 60 * time.Second,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
		Specs: SpecsConfig{Dir: "specs"},
		Tools: ToolsConfig{
			API: APIToolConfig{
				Timeout:            30 * time.Second,
				RateLimitPerMinute: builtin.DefaultRateLimit,
			},
		},
		Retrieval: RetrievalConfig{
			Reranker:     "lexical",
			ChunkWords:   200,
			ChunkOverlap: 40,
			EmbedCache:   EmbedCacheConfig{TTL: 24 * time.Hour},
		},
		Backend: BackendConfig{
			Type:   BackendSQLite,
			SQLite: SQLiteConfig{Path: defaultDataPath("ragrunner.db"), WAL: true},
		},
		Tracing: tracing.DefaultConfig(),
		Eval:    EvalConfig{Concurrency: 4},
	}
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &ragerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ragerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// applyDefaults fills zero values a partial file left behind.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = defaults.LLM.Provider
	}
	if c.LLM.Dimension == 0 {
		c.LLM.Dimension = defaults.LLM.Dimension
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = defaults.LLM.RequestTimeout
	}
	if c.LLM.RetryBaseDelay == 0 {
		c.LLM.RetryBaseDelay = defaults.LLM.RetryBaseDelay
	}
	if c.LLM.RetryMaxDelay == 0 {
		c.LLM.RetryMaxDelay = defaults.LLM.RetryMaxDelay
	}
	if c.Specs.Dir == "" {
		c.Specs.Dir = defaults.Specs.Dir
	}
	if c.Tools.API.Timeout == 0 {
		c.Tools.API.Timeout = defaults.Tools.API.Timeout
	}
	if c.Tools.API.RateLimitPerMinute == 0 {
		c.Tools.API.RateLimitPerMinute = defaults.Tools.API.RateLimitPerMinute
	}
	if c.Tools.SQL.DSN != "" && c.Tools.SQL.Driver == "" {
		c.Tools.SQL.Driver = "sqlite"
	}
	if c.Retrieval.Reranker == "" {
		c.Retrieval.Reranker = defaults.Retrieval.Reranker
	}
	if c.Retrieval.ChunkWords == 0 {
		c.Retrieval.ChunkWords = defaults.Retrieval.ChunkWords
	}
	if c.Retrieval.EmbedCache.TTL == 0 {
		c.Retrieval.EmbedCache.TTL = defaults.Retrieval.EmbedCache.TTL
	}
	for i := range c.Retrieval.Stores {
		if c.Retrieval.Stores[i].Type == "" {
			c.Retrieval.Stores[i].Type = StoreMemory
		}
	}
	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.Type == BackendSQLite && c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = defaults.Backend.SQLite.Path
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Eval.Concurrency == 0 {
		c.Eval.Concurrency = defaults.Eval.Concurrency
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("RAGRUNNER_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("RAGRUNNER_LLM_PROVIDER"); val != "" {
		c.LLM.Provider = strings.ToLower(val)
	}
	if val := os.Getenv("RAGRUNNER_LLM_BASE_URL"); val != "" {
		c.LLM.BaseURL = val
	}
	if val := os.Getenv("RAGRUNNER_LLM_API_KEY"); val != "" {
		c.LLM.APIKey = val
	}
	if val := os.Getenv("RAGRUNNER_LLM_MODEL"); val != "" {
		c.LLM.Model = val
	}
	if val := os.Getenv("RAGRUNNER_LLM_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LLM.RequestTimeout = d
		}
	}

	if val := os.Getenv("RAGRUNNER_SPECS_DIR"); val != "" {
		c.Specs.Dir = val
	}
	if val := os.Getenv("RAGRUNNER_PROMPTS_DIR"); val != "" {
		c.Specs.PromptsDir = val
	}
	if val := os.Getenv("RAGRUNNER_WATCH"); val != "" {
		c.Specs.Watch = parseBool(val)
	}
	if val := os.Getenv("RAGRUNNER_TOOLS_DIR"); val != "" {
		c.Tools.Dir = val
	}
	if val := os.Getenv("RAGRUNNER_REDIS_URL"); val != "" {
		c.Retrieval.EmbedCache.URL = val
	}

	if val := os.Getenv("RAGRUNNER_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("RAGRUNNER_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("RAGRUNNER_POSTGRES_URL"); val != "" {
		c.Backend.Postgres.ConnectionString = val
	}

	if val := os.Getenv("RAGRUNNER_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = parseBool(val)
	}
	if val := os.Getenv("RAGRUNNER_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("RAGRUNNER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("RAGRUNNER_TRACING_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Tracing.SampleRate = rate
		}
	}

	if val := os.Getenv("RAGRUNNER_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("RAGRUNNER_EVAL_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Eval.Concurrency = n
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderScripted:
	default:
		errs = append(errs, fmt.Sprintf("llm.provider must be one of [openai, scripted], got %q", c.LLM.Provider))
	}
	if c.LLM.Dimension <= 0 {
		errs = append(errs, fmt.Sprintf("llm.dimension must be positive, got %d", c.LLM.Dimension))
	}
	if c.LLM.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("llm.request_timeout must be positive, got %v", c.LLM.RequestTimeout))
	}
	if c.LLM.RetryMaxDelay < c.LLM.RetryBaseDelay {
		errs = append(errs, "llm.retry_max_delay must not be less than llm.retry_base_delay")
	}

	if c.Specs.Dir == "" {
		errs = append(errs, "specs.dir is required")
	}

	if c.Tools.SQL.DSN != "" && c.Tools.SQL.Driver != "sqlite" && c.Tools.SQL.Driver != "pgx" {
		errs = append(errs, fmt.Sprintf("tools.sql.driver must be one of [sqlite, pgx], got %q", c.Tools.SQL.Driver))
	}
	if c.Tools.API.RateLimitPerMinute < 0 {
		errs = append(errs, "tools.api.rate_limit_per_minute must not be negative")
	}

	if c.Retrieval.Reranker != "lexical" && c.Retrieval.Reranker != "hybrid" {
		errs = append(errs, fmt.Sprintf("retrieval.reranker must be one of [lexical, hybrid], got %q", c.Retrieval.Reranker))
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkWords {
		errs = append(errs, "retrieval.chunk_overlap must be within [0, chunk_words)")
	}
	names := map[string]bool{}
	for i, s := range c.Retrieval.Stores {
		key := fmt.Sprintf("retrieval.stores[%d]", i)
		if s.Name == "" {
			errs = append(errs, key+".name is required")
		} else if names[s.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is declared twice", key, s.Name))
		}
		names[s.Name] = true
		switch s.Type {
		case StoreMemory:
		case StorePGVector:
			if s.DSN == "" {
				errs = append(errs, key+".dsn is required for pgvector stores")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.type must be one of [memory, pgvector], got %q", key, s.Type))
		}
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite:
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, "backend.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Backend.Postgres.ConnectionString == "" {
			errs = append(errs, "backend.postgres.connection_string is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres], got %q", c.Backend.Type))
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("tracing: %v", err))
	}
	if c.Eval.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("eval.concurrency must be at least 1, got %d", c.Eval.Concurrency))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}
