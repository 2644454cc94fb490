package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/mnemos/internal/errs"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultBufSize     = 100
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 18790
	DefaultRateLimit   = 5.0
	DefaultRateBurst   = 10

	DefaultWeightRelevance    = 0.5
	DefaultWeightImportance   = 0.3
	DefaultWeightRecency      = 0.2
	DefaultOverFetch          = 2
	DefaultRecencyWindowHours = 30 * 24
	DefaultMaxResults         = 10
	DefaultRecallLimit        = 5
	DefaultRetentionDays      = 90
	DefaultExpireBelow        = 0.3

	DefaultEmbeddingProvider  = "hash"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingDimension = 256
	DefaultEmbeddingBatchSize = 64
	DefaultEmbeddingTimeoutMs = 15000
	DefaultEmbeddingCacheCost = 1 << 24

	DefaultCollection = "memories"

	DefaultTrigger              = "hybrid"
	DefaultMaxEpisodicCount     = 20
	DefaultMaxAgeHours          = 24.0
	DefaultMaxTotalTokens       = 4000
	DefaultMinToCompress        = 3
	DefaultPreserveRecentCount  = 5
	DefaultImportanceThreshold  = 0.8
	DefaultMaxSteps             = 10
	DefaultRetryAttempts        = 3
	DefaultRetryInitialMs       = 200
	DefaultExpireSchedule       = "0 0 3 * * *"
	DefaultVerifySchedule       = "0 30 * * * *"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
	DefaultProceduralContextTag = "default"
)

type Config struct {
	Provider   ProviderConfig   `json:"provider" yaml:"provider"`
	Agent      AgentConfig      `json:"agent" yaml:"agent"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Index      IndexConfig      `json:"index" yaml:"index"`
	Retention  RetentionConfig  `json:"retention" yaml:"retention"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Rules      RulesConfig      `json:"rules" yaml:"rules"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty" env:"MNEMOS_PROVIDER_TYPE"` // "anthropic" (default), "openai" or "none"
	APIKey  string `json:"apiKey" yaml:"apiKey" env:"MNEMOS_API_KEY"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" env:"MNEMOS_BASE_URL"`
}

type AgentConfig struct {
	Model        string  `json:"model" yaml:"model" env:"MNEMOS_AGENT_MODEL"`
	MaxTokens    int     `json:"maxTokens" yaml:"maxTokens" env:"MNEMOS_AGENT_MAX_TOKENS"`
	Temperature  float64 `json:"temperature" yaml:"temperature" env:"MNEMOS_AGENT_TEMPERATURE"`
	SystemPrompt string  `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

type MemoryConfig struct {
	DBPath                string  `json:"dbPath,omitempty" yaml:"dbPath,omitempty" env:"MNEMOS_MEMORY_DB_PATH"`
	WeightRelevance       float64 `json:"weightRelevance" yaml:"weightRelevance" env:"MNEMOS_MEMORY_WEIGHT_RELEVANCE"`
	WeightImportance      float64 `json:"weightImportance" yaml:"weightImportance" env:"MNEMOS_MEMORY_WEIGHT_IMPORTANCE"`
	WeightRecency         float64 `json:"weightRecency" yaml:"weightRecency" env:"MNEMOS_MEMORY_WEIGHT_RECENCY"`
	OverFetch             int     `json:"overFetch" yaml:"overFetch" env:"MNEMOS_MEMORY_OVER_FETCH"`
	RecencyWindowHours    float64 `json:"recencyWindowHours" yaml:"recencyWindowHours" env:"MNEMOS_MEMORY_RECENCY_WINDOW_HOURS"`
	MaxResults            int     `json:"maxResults" yaml:"maxResults" env:"MNEMOS_MEMORY_MAX_RESULTS"`
	RecallLimit           int     `json:"recallLimit" yaml:"recallLimit" env:"MNEMOS_MEMORY_RECALL_LIMIT"`
	EpisodicMaxAgeHours   float64 `json:"episodicMaxAgeHours,omitempty" yaml:"episodicMaxAgeHours,omitempty" env:"MNEMOS_MEMORY_EPISODIC_MAX_AGE_HOURS"`
	RetentionDays         int     `json:"retentionDays" yaml:"retentionDays" env:"MNEMOS_MEMORY_RETENTION_DAYS"`
	ExpireBelowImportance float64 `json:"expireBelowImportance" yaml:"expireBelowImportance" env:"MNEMOS_MEMORY_EXPIRE_BELOW_IMPORTANCE"`
}

type EmbeddingConfig struct {
	Provider     string `json:"provider" yaml:"provider" env:"MNEMOS_EMBEDDING_PROVIDER"` // "hash" (offline) or "openai"
	Model        string `json:"model,omitempty" yaml:"model,omitempty" env:"MNEMOS_EMBEDDING_MODEL"`
	APIKey       string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" env:"MNEMOS_EMBEDDING_API_KEY"`
	BaseURL      string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" env:"MNEMOS_EMBEDDING_BASE_URL"`
	Dimension    int    `json:"dimension" yaml:"dimension" env:"MNEMOS_EMBEDDING_DIMENSION"`
	BatchSize    int    `json:"batchSize" yaml:"batchSize" env:"MNEMOS_EMBEDDING_BATCH_SIZE"`
	TimeoutMs    int    `json:"timeoutMs" yaml:"timeoutMs" env:"MNEMOS_EMBEDDING_TIMEOUT_MS"`
	CacheMaxCost int64  `json:"cacheMaxCost" yaml:"cacheMaxCost" env:"MNEMOS_EMBEDDING_CACHE_MAX_COST"`
}

type IndexConfig struct {
	PersistDir string `json:"persistDir,omitempty" yaml:"persistDir,omitempty" env:"MNEMOS_INDEX_PERSIST_DIR"`
	Collection string `json:"collection" yaml:"collection" env:"MNEMOS_INDEX_COLLECTION"`
}

type RetentionConfig struct {
	Trigger                string  `json:"trigger" yaml:"trigger" env:"MNEMOS_RETENTION_TRIGGER"`
	MaxEpisodicCount       int     `json:"maxEpisodicCount" yaml:"maxEpisodicCount" env:"MNEMOS_RETENTION_MAX_EPISODIC_COUNT"`
	MaxAgeHours            float64 `json:"maxAgeHours" yaml:"maxAgeHours" env:"MNEMOS_RETENTION_MAX_AGE_HOURS"`
	MaxTotalTokens         int     `json:"maxTotalTokens" yaml:"maxTotalTokens" env:"MNEMOS_RETENTION_MAX_TOTAL_TOKENS"`
	MinToCompress          int     `json:"minToCompress" yaml:"minToCompress" env:"MNEMOS_RETENTION_MIN_TO_COMPRESS"`
	PreserveRecentCount    int     `json:"preserveRecentCount" yaml:"preserveRecentCount" env:"MNEMOS_RETENTION_PRESERVE_RECENT_COUNT"`
	PreserveHighImportance bool    `json:"preserveHighImportance" yaml:"preserveHighImportance" env:"MNEMOS_RETENTION_PRESERVE_HIGH_IMPORTANCE"`
	ImportanceThreshold    float64 `json:"importanceThreshold" yaml:"importanceThreshold" env:"MNEMOS_RETENTION_IMPORTANCE_THRESHOLD"`
	UseLLM                 bool    `json:"useLlm" yaml:"useLlm" env:"MNEMOS_RETENTION_USE_LLM"`
}

type AuditConfig struct {
	DBPath string `json:"dbPath,omitempty" yaml:"dbPath,omitempty" env:"MNEMOS_AUDIT_DB_PATH"`
}

type PipelineConfig struct {
	MaxSteps       int `json:"maxSteps" yaml:"maxSteps" env:"MNEMOS_PIPELINE_MAX_STEPS"`
	RetryAttempts  int `json:"retryAttempts" yaml:"retryAttempts" env:"MNEMOS_PIPELINE_RETRY_ATTEMPTS"`
	RetryInitialMs int `json:"retryInitialMs" yaml:"retryInitialMs" env:"MNEMOS_PIPELINE_RETRY_INITIAL_MS"`
}

// ClassifierConfig holds the keyword rules of the default classifier. The lists are
// tunable data, not behavior.
type ClassifierConfig struct {
	SemanticKeywords   []string `json:"semanticKeywords" yaml:"semanticKeywords"`
	ProceduralKeywords []string `json:"proceduralKeywords" yaml:"proceduralKeywords"`
	ImportantKeywords  []string `json:"importantKeywords" yaml:"importantKeywords"`
	SensitiveKeywords  []string `json:"sensitiveKeywords" yaml:"sensitiveKeywords"`
}

type RulesConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" env:"MNEMOS_RULES_DIR"`
}

type ScheduleConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"MNEMOS_SCHEDULE_ENABLED"`
	Expire  string `json:"expire" yaml:"expire" env:"MNEMOS_SCHEDULE_EXPIRE"`
	Verify  string `json:"verify" yaml:"verify" env:"MNEMOS_SCHEDULE_VERIFY"`
}

// ServerConfig configures the websocket endpoint of `mnemos serve`. An empty
// AllowFrom accepts every user.
type ServerConfig struct {
	Host      string   `json:"host" yaml:"host" env:"MNEMOS_SERVER_HOST"`
	Port      int      `json:"port" yaml:"port" env:"MNEMOS_SERVER_PORT"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty" env:"MNEMOS_SERVER_ALLOW_FROM" envSeparator:","`
	// RateLimit is messages per second per connection; RateBurst is the bucket size.
	RateLimit float64 `json:"rateLimit" yaml:"rateLimit" env:"MNEMOS_SERVER_RATE_LIMIT"`
	RateBurst int     `json:"rateBurst" yaml:"rateBurst" env:"MNEMOS_SERVER_RATE_BURST"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"MNEMOS_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"MNEMOS_LOG_FORMAT"` // "console" or "json"
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Memory: MemoryConfig{
			WeightRelevance:       DefaultWeightRelevance,
			WeightImportance:      DefaultWeightImportance,
			WeightRecency:         DefaultWeightRecency,
			OverFetch:             DefaultOverFetch,
			RecencyWindowHours:    DefaultRecencyWindowHours,
			MaxResults:            DefaultMaxResults,
			RecallLimit:           DefaultRecallLimit,
			RetentionDays:         DefaultRetentionDays,
			ExpireBelowImportance: DefaultExpireBelow,
		},
		Embedding: EmbeddingConfig{
			Provider:     DefaultEmbeddingProvider,
			Model:        DefaultEmbeddingModel,
			Dimension:    DefaultEmbeddingDimension,
			BatchSize:    DefaultEmbeddingBatchSize,
			TimeoutMs:    DefaultEmbeddingTimeoutMs,
			CacheMaxCost: DefaultEmbeddingCacheCost,
		},
		Index: IndexConfig{Collection: DefaultCollection},
		Retention: RetentionConfig{
			Trigger:                DefaultTrigger,
			MaxEpisodicCount:       DefaultMaxEpisodicCount,
			MaxAgeHours:            DefaultMaxAgeHours,
			MaxTotalTokens:         DefaultMaxTotalTokens,
			MinToCompress:          DefaultMinToCompress,
			PreserveRecentCount:    DefaultPreserveRecentCount,
			PreserveHighImportance: true,
			ImportanceThreshold:    DefaultImportanceThreshold,
		},
		Pipeline: PipelineConfig{
			MaxSteps:       DefaultMaxSteps,
			RetryAttempts:  DefaultRetryAttempts,
			RetryInitialMs: DefaultRetryInitialMs,
		},
		Classifier: ClassifierConfig{
			SemanticKeywords:   []string{"my name is", "i am", "i work", "i live", "remember that", "fact:"},
			ProceduralKeywords: []string{"always", "never", "prefer", "please use", "from now on", "don't"},
			ImportantKeywords:  []string{"important", "critical", "must", "deadline", "allergic"},
			SensitiveKeywords:  []string{"password", "passwd", "credit card", "ssn", "social security"},
		},
		Schedule: ScheduleConfig{
			Enabled: true,
			Expire:  DefaultExpireSchedule,
			Verify:  DefaultVerifySchedule,
		},
		Server: ServerConfig{
			Host:      DefaultHost,
			Port:      DefaultPort,
			RateLimit: DefaultRateLimit,
			RateBurst: DefaultRateBurst,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".mnemos")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads path (JSON, or YAML by extension), applies MNEMOS_* environment
// overrides and fills defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decodeConfig(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
			if cfg.Provider.Type == "" {
				cfg.Provider.Type = "openai"
			}
		}
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if cfg.Embedding.APIKey == "" && strings.EqualFold(cfg.Embedding.Provider, "openai") {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
		if strings.EqualFold(c.Provider.Type, "openai") {
			c.Agent.Model = DefaultOpenAIModel
		}
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = def.Agent.MaxTokens
	}
	if c.Memory.OverFetch <= 0 {
		c.Memory.OverFetch = def.Memory.OverFetch
	}
	if c.Memory.RecencyWindowHours <= 0 {
		c.Memory.RecencyWindowHours = def.Memory.RecencyWindowHours
	}
	if c.Memory.MaxResults <= 0 {
		c.Memory.MaxResults = def.Memory.MaxResults
	}
	if c.Memory.RecallLimit <= 0 {
		c.Memory.RecallLimit = def.Memory.RecallLimit
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = filepath.Join(ConfigDir(), "data", "memory.db")
	}
	if c.Audit.DBPath == "" {
		c.Audit.DBPath = filepath.Join(ConfigDir(), "data", "audit.db")
	}
	if c.Rules.Dir == "" {
		c.Rules.Dir = filepath.Join(ConfigDir(), "rules")
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = def.Embedding.Provider
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = def.Embedding.Model
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = def.Embedding.Dimension
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = def.Embedding.BatchSize
	}
	if c.Embedding.TimeoutMs <= 0 {
		c.Embedding.TimeoutMs = def.Embedding.TimeoutMs
	}
	if c.Embedding.CacheMaxCost <= 0 {
		c.Embedding.CacheMaxCost = def.Embedding.CacheMaxCost
	}
	if c.Index.Collection == "" {
		c.Index.Collection = def.Index.Collection
	}
	if c.Retention.Trigger == "" {
		c.Retention.Trigger = def.Retention.Trigger
	}
	if c.Pipeline.MaxSteps <= 0 {
		c.Pipeline.MaxSteps = def.Pipeline.MaxSteps
	}
	if c.Pipeline.RetryAttempts <= 0 {
		c.Pipeline.RetryAttempts = def.Pipeline.RetryAttempts
	}
	if c.Pipeline.RetryInitialMs <= 0 {
		c.Pipeline.RetryInitialMs = def.Pipeline.RetryInitialMs
	}
	if c.Schedule.Expire == "" {
		c.Schedule.Expire = def.Schedule.Expire
	}
	if c.Schedule.Verify == "" {
		c.Schedule.Verify = def.Schedule.Verify
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = def.Server.RateLimit
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = def.Server.RateBurst
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate rejects malformed thresholds instead of clamping them.
func (c *Config) Validate() error {
	m := c.Memory
	if m.WeightRelevance < 0 || m.WeightImportance < 0 || m.WeightRecency < 0 {
		return errs.Validation("memory.weights", "weights must be non-negative")
	}
	if m.WeightRelevance+m.WeightImportance+m.WeightRecency == 0 {
		return errs.Validation("memory.weights", "at least one weight must be positive")
	}
	if m.EpisodicMaxAgeHours < 0 {
		return errs.Validation("memory.episodicMaxAgeHours", "must be >= 0, got %v", m.EpisodicMaxAgeHours)
	}
	if m.RetentionDays < 0 {
		return errs.Validation("memory.retentionDays", "must be >= 0, got %d", m.RetentionDays)
	}
	if m.ExpireBelowImportance < 0 || m.ExpireBelowImportance > 1 {
		return errs.Validation("memory.expireBelowImportance", "must be within [0,1], got %v", m.ExpireBelowImportance)
	}

	switch strings.ToLower(c.Provider.Type) {
	case "", "anthropic", "openai", "none":
	default:
		return errs.Validation("provider.type", "unsupported provider %q", c.Provider.Type)
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "hash", "openai":
	default:
		return errs.Validation("embedding.provider", "unsupported provider %q", c.Embedding.Provider)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errs.Validation("log.format", "unsupported format %q", c.Log.Format)
	}
	if c.Server.Port > 65535 {
		return errs.Validation("server.port", "must be <= 65535, got %d", c.Server.Port)
	}
	if c.Pipeline.MaxSteps < 1 {
		return errs.Validation("pipeline.maxSteps", "must be >= 1, got %d", c.Pipeline.MaxSteps)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
