// Package config loads the Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. KESTREL_LLM_MODEL.
const EnvPrefix = "KESTREL"

// Options control where configuration is read from.
type Options struct {
	// File is an explicit config file path. When empty the loader searches
	// ./configs and /etc/kestrel for kestrel.yaml.
	File string
}

// Load builds the configuration. Environment variables override the file,
// which overrides the tier defaults.
func Load(opts Options) (*domain.Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Tier decides which defaults apply, so it is resolved first.
	v.SetDefault("tier", string(domain.TierCommunity))

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/kestrel")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || opts.File != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := build(v, base)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *domain.Config) {
	// Server
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	// Detection thresholds
	v.SetDefault("detection.structuring_threshold", d.Detection.StructuringThreshold)
	v.SetDefault("detection.structuring_band", d.Detection.StructuringBand)
	v.SetDefault("detection.structuring_min_count", d.Detection.StructuringMinCount)
	v.SetDefault("detection.volume_spike_ratio", d.Detection.VolumeSpikeRatio)
	v.SetDefault("detection.small_deposit_limit", d.Detection.SmallDepositLimit)
	v.SetDefault("detection.small_deposit_min_count", d.Detection.SmallDepositMinCount)
	v.SetDefault("detection.income_mismatch_ratio", d.Detection.IncomeMismatchRatio)
	v.SetDefault("detection.max_originators", d.Detection.MaxOriginators)
	v.SetDefault("detection.round_amount_unit", d.Detection.RoundAmountUnit)
	v.SetDefault("detection.round_amount_min_count", d.Detection.RoundAmountMinCount)
	v.SetDefault("detection.large_tx_threshold", d.Detection.LargeTxThreshold)
	v.SetDefault("detection.high_risk_types", d.Detection.HighRiskTypes)

	// Pipeline
	v.SetDefault("pipeline.anonymize", d.Pipeline.Anonymize)
	v.SetDefault("pipeline.template_top_k", d.Pipeline.TemplateTopK)
	v.SetDefault("pipeline.max_concurrent", d.Pipeline.MaxConcurrent)
	v.SetDefault("pipeline.async_worker", d.Pipeline.AsyncWorker)
	v.SetDefault("pipeline.policy_file", d.Pipeline.PolicyFile)

	// Repository
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime)

	// Cache
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.two_phase", d.Cache.EnableTwoPhase)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)

	// Event bus
	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("eventbus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("eventbus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)
	v.SetDefault("eventbus.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("eventbus.kafka_group_id", "kestrel")

	// Similarity store
	v.SetDefault("vector.embedder", d.Vector.Embedder)
	v.SetDefault("vector.dimensions", d.Vector.Dimensions)
	v.SetDefault("vector.ollama_url", d.Vector.OllamaURL)
	v.SetDefault("vector.ollama_model", d.Vector.OllamaModel)
	v.SetDefault("vector.cache_embeddings", d.Vector.CacheEmbeddings)
	v.SetDefault("vector.knowledge_file", d.Vector.KnowledgeFile)

	// Generation backend
	v.SetDefault("llm.backend", d.LLM.Backend)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.system_prompt", d.LLM.SystemPrompt)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.breaker_failures", d.LLM.BreakerFailures)
	v.SetDefault("llm.breaker_cooldown", d.LLM.BreakerCooldown)
	v.SetDefault("llm.requests_per_second", d.LLM.RequestsPerSecond)
	v.SetDefault("llm.burst", d.LLM.Burst)
	v.SetDefault("llm.prompt_template_file", d.LLM.PromptTemplateFile)

	// Archive
	v.SetDefault("archive.sink", d.Archive.Sink)
	v.SetDefault("archive.directory", d.Archive.Directory)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.region", d.Archive.Region)
	v.SetDefault("archive.endpoint", d.Archive.Endpoint)

	// Observability
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
}

func build(v *viper.Viper, base *domain.Config) *domain.Config {
	cfg := &domain.Config{
		Tier:    domain.Tier(v.GetString("tier")),
		Scoring: base.Scoring,
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Detection: domain.DetectionConfig{
			StructuringThreshold: v.GetFloat64("detection.structuring_threshold"),
			StructuringBand:      v.GetFloat64("detection.structuring_band"),
			StructuringMinCount:  v.GetInt("detection.structuring_min_count"),
			VolumeSpikeRatio:     v.GetFloat64("detection.volume_spike_ratio"),
			SmallDepositLimit:    v.GetFloat64("detection.small_deposit_limit"),
			SmallDepositMinCount: v.GetInt("detection.small_deposit_min_count"),
			IncomeMismatchRatio:  v.GetFloat64("detection.income_mismatch_ratio"),
			MaxOriginators:       v.GetInt("detection.max_originators"),
			RoundAmountUnit:      v.GetFloat64("detection.round_amount_unit"),
			RoundAmountMinCount:  v.GetInt("detection.round_amount_min_count"),
			LargeTxThreshold:     v.GetFloat64("detection.large_tx_threshold"),
			HighRiskTypes:        v.GetStringSlice("detection.high_risk_types"),
		},
		Pipeline: domain.PipelineConfig{
			Anonymize:       v.GetBool("pipeline.anonymize"),
			TemplateTopK:    v.GetInt("pipeline.template_top_k"),
			MaxConcurrent:   v.GetInt("pipeline.max_concurrent"),
			AsyncWorker:     v.GetBool("pipeline.async_worker"),
			PolicyFile:      v.GetString("pipeline.policy_file"),
			EscalationRules: base.Pipeline.EscalationRules,
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       v.GetDuration("cache.local_ttl"),
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			EnableTwoPhase: v.GetBool("cache.two_phase"),
			DefaultTTL:     v.GetDuration("cache.default_ttl"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("eventbus.type"),
			ChannelBufferSize: v.GetInt("eventbus.channel_buffer_size"),
			NATSUrl:           v.GetString("eventbus.nats_url"),
			NATSToken:         v.GetString("eventbus.nats_token"),
			NATSMaxReconnects: v.GetInt("eventbus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("eventbus.nats_reconnect_wait"),
			KafkaBrokers:      v.GetStringSlice("eventbus.kafka_brokers"),
			KafkaGroupID:      v.GetString("eventbus.kafka_group_id"),
		},
		Vector: domain.VectorConfig{
			Embedder:        v.GetString("vector.embedder"),
			Dimensions:      v.GetInt("vector.dimensions"),
			OllamaURL:       v.GetString("vector.ollama_url"),
			OllamaModel:     v.GetString("vector.ollama_model"),
			CacheEmbeddings: v.GetBool("vector.cache_embeddings"),
			KnowledgeFile:   v.GetString("vector.knowledge_file"),
		},
		LLM: domain.LLMConfig{
			Backend:            v.GetString("llm.backend"),
			BaseURL:            v.GetString("llm.base_url"),
			APIKey:             v.GetString("llm.api_key"),
			Model:              v.GetString("llm.model"),
			Temperature:        v.GetFloat64("llm.temperature"),
			MaxTokens:          v.GetInt("llm.max_tokens"),
			SystemPrompt:       v.GetString("llm.system_prompt"),
			Timeout:            v.GetInt("llm.timeout"),
			BreakerFailures:    v.GetInt("llm.breaker_failures"),
			BreakerCooldown:    v.GetInt("llm.breaker_cooldown"),
			RequestsPerSecond:  v.GetFloat64("llm.requests_per_second"),
			Burst:              v.GetInt("llm.burst"),
			PromptTemplateFile: v.GetString("llm.prompt_template_file"),
		},
		Archive: domain.ArchiveConfig{
			Sink:      v.GetString("archive.sink"),
			Directory: v.GetString("archive.directory"),
			Bucket:    v.GetString("archive.bucket"),
			Prefix:    v.GetString("archive.prefix"),
			Region:    v.GetString("archive.region"),
			Endpoint:  v.GetString("archive.endpoint"),
		},
		Logging: domain.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Tracing: domain.TracingConfig{
			Enabled:      v.GetBool("tracing.enabled"),
			ServiceName:  v.GetString("tracing.service_name"),
			ExporterType: v.GetString("tracing.exporter"),
			Endpoint:     v.GetString("tracing.endpoint"),
			Insecure:     v.GetBool("tracing.insecure"),
		},
	}
	return cfg
}

func validate(cfg *domain.Config) error {
	if cfg.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive, got %d", cfg.LLM.Timeout)
	}
	if cfg.Detection.StructuringThreshold <= 0 {
		return fmt.Errorf("detection.structuring_threshold must be positive")
	}
	if cfg.Detection.StructuringBand <= 0 || cfg.Detection.StructuringBand >= 1 {
		return fmt.Errorf("detection.structuring_band must be in (0, 1), got %v", cfg.Detection.StructuringBand)
	}
	if cfg.Pipeline.TemplateTopK <= 0 {
		cfg.Pipeline.TemplateTopK = 2
	}
	if cfg.Pipeline.MaxConcurrent <= 0 {
		cfg.Pipeline.MaxConcurrent = 1
	}
	return nil
}
