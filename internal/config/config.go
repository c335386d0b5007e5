// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport configures the local accept loop (Unix domain socket).
type Transport struct {
	SocketPath     string        `mapstructure:"socket_path"`
	MaxFrameBytes  int           `mapstructure:"max_frame_bytes"`
	HandshakeToken string        `mapstructure:"handshake_token"`
	AcceptTimeout  time.Duration `mapstructure:"accept_timeout"`
}

// RateLimit bounds handshake attempts per source identity (§6.1).
type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Models configures manifest discovery and the allowlist that the hot-swap
// orchestrator's preload step checks paths against.
type Models struct {
	ManifestDir     string   `mapstructure:"manifest_dir"`
	AllowedGlobs    []string `mapstructure:"allowed_globs"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
}

// Admission configures the resource reservations taken by the admission gate.
type Admission struct {
	MaxGlobalConcurrency int           `mapstructure:"max_global_concurrency"`
	MaxPerModelConcurrency int         `mapstructure:"max_per_model_concurrency"`
	MaxGlobalMemoryBytes uint64        `mapstructure:"max_global_memory_bytes"`
	PerTokenKVBytes      uint64        `mapstructure:"per_token_kv_bytes"`
	WeightsShareEstimate uint64        `mapstructure:"weights_share_estimate_bytes"`
	MaxQueueDepth        int           `mapstructure:"max_queue_depth"`
	MaxPromptBytes       int           `mapstructure:"max_prompt_bytes"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout"`
}

// Batcher configures the per-model continuous batcher. The breaker_*
// fields are optional: a zero breaker_window or breaker_min_samples leaves
// the batcher's circuit breaker disabled, since not every deployment
// fronts a backend worth tripping a breaker over.
type Batcher struct {
	MaxBatchSlots      int           `mapstructure:"max_batch_slots"`
	MaxScheduledTokens int64         `mapstructure:"max_scheduled_tokens"`
	MinDecodeSlots     int           `mapstructure:"min_decode_slots"`
	SlotPauseBudget    time.Duration `mapstructure:"slot_pause_budget"`
	IterationInterval  time.Duration `mapstructure:"iteration_interval"`

	BreakerWindow           time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
	BreakerFailureThreshold float64       `mapstructure:"breaker_failure_threshold"`
	BreakerMinSamples       int           `mapstructure:"breaker_min_samples"`
}

// KV configures the paged key/value cache allocator.
type KV struct {
	PageCapacityTokens int `mapstructure:"page_capacity_tokens"`
	TotalPages         int `mapstructure:"total_pages"`
}

// Shutdown configures the default drain timeout for graceful shutdown.
type Shutdown struct {
	DefaultDrainTimeout time.Duration `mapstructure:"default_drain_timeout"`
}

// Dedup configures the non-streaming response cache.
type Dedup struct {
	Enabled  bool `mapstructure:"enabled"`
	Capacity int  `mapstructure:"capacity"`
}

// Audit configures the local, best-effort audit log writer.
type Audit struct {
	Enabled     bool   `mapstructure:"enabled"`
	DBPath      string `mapstructure:"db_path"`
	ChannelSize int    `mapstructure:"channel_size"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type Config struct {
	Transport     Transport           `mapstructure:"transport"`
	RateLimit     RateLimit           `mapstructure:"rate_limit"`
	Models        Models              `mapstructure:"models"`
	Admission     Admission           `mapstructure:"admission"`
	Batcher       Batcher             `mapstructure:"batcher"`
	KV            KV                  `mapstructure:"kv"`
	Shutdown      Shutdown            `mapstructure:"shutdown"`
	Dedup         Dedup               `mapstructure:"dedup"`
	Audit         Audit               `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Transport: Transport{
			SocketPath:    "/run/inferd/inferd.sock",
			MaxFrameBytes: 16 * 1024 * 1024,
			AcceptTimeout: 30 * time.Second,
		},
		RateLimit: RateLimit{
			PerSecond: 5,
			Burst:     10,
		},
		Models: Models{
			ManifestDir:  "./models",
			AllowedGlobs: []string{"./models/**/*.manifest.json"},
			DrainTimeout: 30 * time.Second,
		},
		Admission: Admission{
			MaxGlobalConcurrency:        64,
			MaxPerModelConcurrency:      16,
			MaxGlobalMemoryBytes:        8 << 30,
			PerTokenKVBytes:             128 * 1024,
			WeightsShareEstimate:        256 << 20,
			MaxQueueDepth:               256,
			MaxPromptBytes:              1 << 20,
			DefaultTimeout:              60 * time.Second,
		},
		Batcher: Batcher{
			MaxBatchSlots:      8,
			MaxScheduledTokens: 4096,
			MinDecodeSlots:     2,
			SlotPauseBudget:    5 * time.Second,
			IterationInterval:  2 * time.Millisecond,

			BreakerWindow:           30 * time.Second,
			BreakerCooldown:         10 * time.Second,
			BreakerFailureThreshold: 0.5,
			BreakerMinSamples:       10,
		},
		KV: KV{
			PageCapacityTokens: 16,
			TotalPages:         65536,
		},
		Shutdown: Shutdown{
			DefaultDrainTimeout: 30 * time.Second,
		},
		Dedup: Dedup{
			Enabled:  true,
			Capacity: 1024,
		},
		Audit: Audit{
			Enabled:     true,
			DBPath:      "./data/audit.db",
			ChannelSize: 1024,
		},
		Observability: ObservabilityConfig{
			MetricsAddr:         "127.0.0.1:9090",
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file with env overrides, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("transport.socket_path", def.Transport.SocketPath)
	v.SetDefault("transport.max_frame_bytes", def.Transport.MaxFrameBytes)
	v.SetDefault("transport.accept_timeout", def.Transport.AcceptTimeout)

	v.SetDefault("rate_limit.per_second", def.RateLimit.PerSecond)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("models.manifest_dir", def.Models.ManifestDir)
	v.SetDefault("models.allowed_globs", def.Models.AllowedGlobs)
	v.SetDefault("models.drain_timeout", def.Models.DrainTimeout)

	v.SetDefault("admission.max_global_concurrency", def.Admission.MaxGlobalConcurrency)
	v.SetDefault("admission.max_per_model_concurrency", def.Admission.MaxPerModelConcurrency)
	v.SetDefault("admission.max_global_memory_bytes", def.Admission.MaxGlobalMemoryBytes)
	v.SetDefault("admission.per_token_kv_bytes", def.Admission.PerTokenKVBytes)
	v.SetDefault("admission.weights_share_estimate_bytes", def.Admission.WeightsShareEstimate)
	v.SetDefault("admission.max_queue_depth", def.Admission.MaxQueueDepth)
	v.SetDefault("admission.max_prompt_bytes", def.Admission.MaxPromptBytes)
	v.SetDefault("admission.default_timeout", def.Admission.DefaultTimeout)

	v.SetDefault("batcher.max_batch_slots", def.Batcher.MaxBatchSlots)
	v.SetDefault("batcher.max_scheduled_tokens", def.Batcher.MaxScheduledTokens)
	v.SetDefault("batcher.min_decode_slots", def.Batcher.MinDecodeSlots)
	v.SetDefault("batcher.slot_pause_budget", def.Batcher.SlotPauseBudget)
	v.SetDefault("batcher.iteration_interval", def.Batcher.IterationInterval)
	v.SetDefault("batcher.breaker_window", def.Batcher.BreakerWindow)
	v.SetDefault("batcher.breaker_cooldown", def.Batcher.BreakerCooldown)
	v.SetDefault("batcher.breaker_failure_threshold", def.Batcher.BreakerFailureThreshold)
	v.SetDefault("batcher.breaker_min_samples", def.Batcher.BreakerMinSamples)

	v.SetDefault("kv.page_capacity_tokens", def.KV.PageCapacityTokens)
	v.SetDefault("kv.total_pages", def.KV.TotalPages)

	v.SetDefault("shutdown.default_drain_timeout", def.Shutdown.DefaultDrainTimeout)

	v.SetDefault("dedup.enabled", def.Dedup.Enabled)
	v.SetDefault("dedup.capacity", def.Dedup.Capacity)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.db_path", def.Audit.DBPath)
	v.SetDefault("audit.channel_size", def.Audit.ChannelSize)

	v.SetDefault("observability.metrics_addr", def.Observability.MetricsAddr)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Admission.MaxGlobalConcurrency < 1 {
		return fmt.Errorf("admission.max_global_concurrency must be >= 1")
	}
	if cfg.Admission.MaxPerModelConcurrency < 1 {
		return fmt.Errorf("admission.max_per_model_concurrency must be >= 1")
	}
	if cfg.Admission.MaxQueueDepth < 1 {
		return fmt.Errorf("admission.max_queue_depth must be >= 1")
	}
	if cfg.Batcher.MaxBatchSlots < 1 {
		return fmt.Errorf("batcher.max_batch_slots must be >= 1")
	}
	if cfg.Batcher.MinDecodeSlots < 0 || cfg.Batcher.MinDecodeSlots > cfg.Batcher.MaxBatchSlots {
		return fmt.Errorf("batcher.min_decode_slots must be between 0 and max_batch_slots")
	}
	if cfg.KV.PageCapacityTokens < 1 {
		return fmt.Errorf("kv.page_capacity_tokens must be >= 1")
	}
	if cfg.KV.TotalPages < 1 {
		return fmt.Errorf("kv.total_pages must be >= 1")
	}
	if cfg.Transport.MaxFrameBytes <= 0 || cfg.Transport.MaxFrameBytes > 64<<20 {
		return fmt.Errorf("transport.max_frame_bytes must be 1..64MiB")
	}
	if cfg.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be > 0")
	}
	return nil
}
