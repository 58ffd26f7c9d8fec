package domain

import "time"

// Config holds the complete Kestrel configuration.
// It is built once at startup and passed by value to each component.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines default backends
	Tier Tier `json:"tier"`

	// Analysis thresholds
	Detection DetectionConfig `json:"detection"`
	Scoring   ScoringConfig   `json:"scoring"`

	// Pipeline behaviour
	Pipeline PipelineConfig `json:"pipeline"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Vector     VectorConfig     `json:"vector"`
	LLM        LLMConfig        `json:"llm"`
	Archive    ArchiveConfig    `json:"archive"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectionConfig holds the pattern detector thresholds.
type DetectionConfig struct {
	StructuringThreshold float64 // reporting threshold
	StructuringBand      float64 // lower bound as a fraction of the threshold
	StructuringMinCount  int
	VolumeSpikeRatio     float64
	SmallDepositLimit    float64
	SmallDepositMinCount int
	IncomeMismatchRatio  float64
	MaxOriginators       int
	RoundAmountUnit      float64
	RoundAmountMinCount  int
	LargeTxThreshold     float64
	HighRiskTypes        []string
}

// ScoringConfig holds the risk scorer weights and tiers.
type ScoringConfig struct {
	PatternWeight int
	PatternCap    int

	// Volume tiers, highest first. Only the first matching tier applies.
	VolumeTiers []VolumeTier

	KYCWeights     map[string]int
	KYCDefault     int
	OriginatorHigh int // unique originators above this add OriginatorHighPts
	OriginatorLow  int // unique originators above this add OriginatorLowPts

	OriginatorHighPts int
	OriginatorLowPts  int
}

// VolumeTier maps a volume-to-expected ratio floor to risk points.
type VolumeTier struct {
	Ratio  float64
	Points int
}

// PipelineConfig controls optional pipeline stages.
type PipelineConfig struct {
	Anonymize       bool
	TemplateTopK    int
	MaxConcurrent   int
	AsyncWorker     bool
	PolicyFile      string
	EscalationRules []EscalationPolicy
}

// ArchiveConfig selects where audit exports are written.
type ArchiveConfig struct {
	// Sink is "file", "s3" or "gcs"
	Sink string

	Directory string

	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // otlp, none
	Endpoint     string `json:"endpoint"`
	Insecure     bool   `json:"insecure"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + local embeddings
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis + Ollama embeddings
	TierPro Tier = "pro"
)

// DefaultDetection returns the detector thresholds used by FIU-IND oriented reviews.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		StructuringThreshold: 1_000_000,
		StructuringBand:      0.8,
		StructuringMinCount:  3,
		VolumeSpikeRatio:     3,
		SmallDepositLimit:    200_000,
		SmallDepositMinCount: 5,
		IncomeMismatchRatio:  2,
		MaxOriginators:       10,
		RoundAmountUnit:      10_000,
		RoundAmountMinCount:  3,
		LargeTxThreshold:     5_000_000,
		HighRiskTypes:        []string{"SWIFT", "Wire Transfer", "Hawala"},
	}
}

// DefaultScoring returns the additive risk model weights.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		PatternWeight: 10,
		PatternCap:    40,
		VolumeTiers: []VolumeTier{
			{Ratio: 10, Points: 25},
			{Ratio: 5, Points: 15},
			{Ratio: 3, Points: 10},
		},
		KYCWeights: map[string]int{
			KYCHigh:   15,
			KYCMedium: 5,
			KYCLow:    0,
		},
		KYCDefault:        5,
		OriginatorHigh:    20,
		OriginatorLow:     10,
		OriginatorHighPts: 10,
		OriginatorLowPts:  5,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 180,
		},
		Tier:      TierCommunity,
		Detection: DefaultDetection(),
		Scoring:   DefaultScoring(),
		Pipeline: PipelineConfig{
			TemplateTopK:    2,
			MaxConcurrent:   4,
			EscalationRules: DefaultPolicies(),
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			DefaultTTL:   time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Vector: VectorConfig{
			Embedder:        "hash",
			Dimensions:      512,
			CacheEmbeddings: true,
		},
		LLM: LLMConfig{
			Backend:         "ollama",
			BaseURL:         "http://localhost:11434",
			Model:           "llama3.1:8b",
			Temperature:     0.3,
			MaxTokens:       2048,
			SystemPrompt:    "You are an expert compliance analyst specializing in Suspicious Transaction Reports under PMLA, 2002.",
			Timeout:         120,
			BreakerFailures: 3,
			BreakerCooldown: 30,
		},
		Archive: ArchiveConfig{
			Sink:      "file",
			Directory: "./exports",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		DefaultTTL:     time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Vector.Embedder = "ollama"
	cfg.Vector.OllamaURL = "http://localhost:11434"
	cfg.Vector.OllamaModel = "nomic-embed-text"
	cfg.Pipeline.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
