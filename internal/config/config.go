// Package config provides configuration loading for researchd.
//
// Configuration is read from a YAML file and overridden by RESEARCHD_*
// environment variables. Every section is flat so that an environment
// variable maps to exactly one field: RESEARCHD_<SECTION>_<FIELD>.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Config holds the complete researchd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge"`
	Registry      RegistryConfig      `koanf:"registry"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Events        EventsConfig        `koanf:"events"`
	Agents        AgentsConfig        `koanf:"agents"`
	Scrape        ScrapeConfig        `koanf:"scrape"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	// Provider is one of gemini, openai or anthropic.
	Provider    string        `koanf:"provider"`
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	APIKey      Secret        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"` // requests per second
	Burst       int           `koanf:"burst"`
	// MaxRetries is the number of extra attempts on transient provider
	// errors. Zero, the default, lets a transient failure fail the stage.
	MaxRetries int `koanf:"max_retries"`
}

// EmbeddingsConfig configures the embedding endpoint used by the knowledge store.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// KnowledgeConfig configures the vector knowledge store.
type KnowledgeConfig struct {
	Provider        string        `koanf:"provider"` // chromem or qdrant
	Collection      string        `koanf:"collection"`
	VectorSize      int           `koanf:"vector_size"`
	TopK            int           `koanf:"top_k"`
	DisableRerank   bool          `koanf:"disable_rerank"`
	Timeout         time.Duration `koanf:"timeout"`
	ChromemPath     string        `koanf:"chromem_path"`
	ChromemCompress bool          `koanf:"chromem_compress"`
	QdrantHost      string        `koanf:"qdrant_host"`
	QdrantPort      int           `koanf:"qdrant_port"`
	QdrantTLS       bool          `koanf:"qdrant_tls"`
}

// RegistryConfig selects the task registry backend.
type RegistryConfig struct {
	Backend       string `koanf:"backend"` // memory, file, sqlite or redis
	Path          string `koanf:"path"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix"`
}

// PipelineConfig configures task execution.
type PipelineConfig struct {
	Engine          string        `koanf:"engine"` // local or temporal
	Workers         int           `koanf:"workers"`
	QueueSize       int           `koanf:"queue_size"`
	StageTimeout    time.Duration `koanf:"stage_timeout"`
	ReportsDir      string        `koanf:"reports_dir"`
	MinContentChars int           `koanf:"min_content_chars"`
}

// TemporalConfig configures the Temporal execution engine.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// EventsConfig configures task event publishing over NATS.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// AgentsConfig configures the stage agents.
type AgentsConfig struct {
	PromptsDir          string `koanf:"prompts_dir"`
	StrictJSON          bool   `koanf:"strict_json"`
	ContextBudgetTokens int    `koanf:"context_budget_tokens"`
}

// ScrapeConfig configures fetching of task source URLs.
type ScrapeConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	Backoff    time.Duration `koanf:"backoff"`
	MaxBytes   int64         `koanf:"max_bytes"`
	UserAgent  string        `koanf:"user_agent"`
}

// SecretsConfig configures secret scrubbing of generated content.
type SecretsConfig struct {
	Disabled      bool   `koanf:"disabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig holds the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// providerKeyEnv lists the conventional API key variable of each provider.
var providerKeyEnv = map[string]string{
	"gemini":    "GOOGLE_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if _, ok := providerKeyEnv[c.LLM.Provider]; !ok {
		return fmt.Errorf("unsupported llm provider %q (want gemini, openai or anthropic)", c.LLM.Provider)
	}
	if c.LLM.Provider == "anthropic" && c.LLM.BaseURL != "" {
		return errors.New("llm base_url is not supported for the anthropic provider")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm max_retries must not be negative: %d", c.LLM.MaxRetries)
	}
	if !c.LLM.APIKey.IsSet() {
		return fmt.Errorf("llm api key is required (set RESEARCHD_LLM_API_KEY or %s)", providerKeyEnv[c.LLM.Provider])
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm timeout must be positive")
	}

	switch c.Knowledge.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported knowledge provider %q", c.Knowledge.Provider)
	}

	switch c.Registry.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Registry.Path == "" {
			return fmt.Errorf("registry path required for %s backend", c.Registry.Backend)
		}
	case "redis":
		if c.Registry.RedisAddr == "" {
			return errors.New("registry redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("unsupported registry backend %q", c.Registry.Backend)
	}

	switch c.Pipeline.Engine {
	case "local", "temporal":
	default:
		return fmt.Errorf("unsupported pipeline engine %q", c.Pipeline.Engine)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1, got %d", c.Pipeline.Workers)
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events nats_url required when events are enabled")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.Model = "gpt-4o-mini"
		case "anthropic":
			cfg.LLM.Model = "claude-3-5-haiku-latest"
		default:
			cfg.LLM.Model = "gemini-1.5-flash"
		}
	}
	if cfg.LLM.BaseURL == "" && cfg.LLM.Provider == "gemini" {
		cfg.LLM.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if !cfg.LLM.APIKey.IsSet() {
		if name, ok := providerKeyEnv[cfg.LLM.Provider]; ok {
			cfg.LLM.APIKey = Secret(os.Getenv(name))
		}
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 1
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 2
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-004"
	}
	if !cfg.Embeddings.APIKey.IsSet() {
		cfg.Embeddings.APIKey = cfg.LLM.APIKey
	}

	if cfg.Knowledge.Provider == "" {
		cfg.Knowledge.Provider = "chromem"
	}
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "research_knowledge"
	}
	if cfg.Knowledge.VectorSize == 0 {
		cfg.Knowledge.VectorSize = 768
	}
	if cfg.Knowledge.TopK == 0 {
		cfg.Knowledge.TopK = 5
	}
	if cfg.Knowledge.Timeout == 0 {
		cfg.Knowledge.Timeout = 30 * time.Second
	}
	if cfg.Knowledge.ChromemPath == "" {
		cfg.Knowledge.ChromemPath = "~/.config/researchd/knowledge"
	}
	if cfg.Knowledge.QdrantHost == "" {
		cfg.Knowledge.QdrantHost = "localhost"
	}
	if cfg.Knowledge.QdrantPort == 0 {
		cfg.Knowledge.QdrantPort = 6334
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = "memory"
	}
	if cfg.Registry.RedisPrefix == "" {
		cfg.Registry.RedisPrefix = "researchd:tasks"
	}

	if cfg.Pipeline.Engine == "" {
		cfg.Pipeline.Engine = "local"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 64
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.MinContentChars == 0 {
		cfg.Pipeline.MinContentChars = 1
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "research-pipeline"
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "research.tasks"
	}

	if cfg.Agents.ContextBudgetTokens == 0 {
		cfg.Agents.ContextBudgetTokens = 6000
	}

	if cfg.Scrape.Timeout == 0 {
		cfg.Scrape.Timeout = 30 * time.Second
	}
	if cfg.Scrape.MaxRetries == 0 {
		cfg.Scrape.MaxRetries = 3
	}
	if cfg.Scrape.Backoff == 0 {
		cfg.Scrape.Backoff = time.Second
	}
	if cfg.Scrape.MaxBytes == 0 {
		cfg.Scrape.MaxBytes = 2 << 20
	}
	if cfg.Scrape.UserAgent == "" {
		cfg.Scrape.UserAgent = "researchd/1.0 (+https://github.com/fyrsmithlabs/researchd)"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "researchd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}
