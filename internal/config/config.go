// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names shared by the pluggable sections.
const (
	ProviderNone     = "none"
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderS3       = "s3"
	ProviderPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server         ServerConfig    `mapstructure:"server"`
	Auth           AuthConfig      `mapstructure:"auth"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	ContentStore   StoreConfig     `mapstructure:"content_store"`
	RecoveryStore  StoreConfig     `mapstructure:"recovery_store"`
	IntegrityCheck IntegrityConfig `mapstructure:"integrity_check"`
	Recovery       RecoveryConfig  `mapstructure:"recovery"`
	Crawler        CrawlerConfig   `mapstructure:"crawler"`
	Archive        ArchiveConfig   `mapstructure:"archive"`
	Notify         NotifyConfig    `mapstructure:"notify"`
	Progress       ProgressConfig  `mapstructure:"progress"`
	History        HistoryConfig   `mapstructure:"history"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and configures a content-stream backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig configures the Postgres content-stream backend.
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	Table          string `mapstructure:"table"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	BatchSize      int    `mapstructure:"batch_size"`
	MaxConns       int32  `mapstructure:"max_conns"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	BatchSize int64  `mapstructure:"batch_size"`
}

// IntegrityConfig sizes the per-stream sequence indexes.
type IntegrityConfig struct {
	DatabaseLocation       string `mapstructure:"database_location"`
	DBSizeMB               int64  `mapstructure:"db_size_mb"`
	FlushBufferCount       int    `mapstructure:"flush_buffer_count"`
	MaxKeySize             int    `mapstructure:"max_key_size"`
	KeyBufferPoolSize      int    `mapstructure:"key_buffer_pool_size"`
	ConsumerTimeoutSeconds int    `mapstructure:"consumer_timeout_seconds"`
	OpenTimeoutSeconds     int    `mapstructure:"open_timeout_seconds"`
	ProgressEvery          int64  `mapstructure:"progress_every"`
}

// RecoveryConfig tunes recovery runs.
type RecoveryConfig struct {
	ResumeFromTarget bool  `mapstructure:"resume_from_target"`
	ProgressEvery    int64 `mapstructure:"progress_every"`
}

// CrawlerConfig governs the crawl worker.
type CrawlerConfig struct {
	UserAgent      string   `mapstructure:"user_agent"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int      `mapstructure:"max_body_bytes"`
	RatePerHost    float64  `mapstructure:"rate_per_host"`
	Burst          int      `mapstructure:"burst"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// ArchiveConfig selects where index snapshots are uploaded after a scan.
type ArchiveConfig struct {
	Provider string          `mapstructure:"provider"`
	Prefix   string          `mapstructure:"prefix"`
	BaseDir  string          `mapstructure:"base_dir"`
	Bucket   string          `mapstructure:"bucket"`
	S3       S3ArchiveConfig `mapstructure:"s3"`
}

// S3ArchiveConfig holds the S3-compatible endpoint settings.
type S3ArchiveConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	Region           string `mapstructure:"region"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// NotifyConfig holds metadata for job completion notifications.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the job lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
	PrometheusSink bool `mapstructure:"prometheus_sink"`
}

// HistoryConfig enables persisting job runs to Postgres.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	for _, section := range []string{"content_store", "recovery_store"} {
		v.SetDefault(section+".provider", ProviderMemory)
		v.SetDefault(section+".postgres.dsn", "")
		v.SetDefault(section+".postgres.table", "content_stream")
		v.SetDefault(section+".postgres.poll_interval_ms", 100)
		v.SetDefault(section+".postgres.batch_size", 500)
		v.SetDefault(section+".postgres.max_conns", 0)
		v.SetDefault(section+".redis.addr", "")
		v.SetDefault(section+".redis.password", "")
		v.SetDefault(section+".redis.db", 0)
		v.SetDefault(section+".redis.key_prefix", "dc:stream:")
		v.SetDefault(section+".redis.batch_size", 500)
	}

	v.SetDefault("integrity_check.database_location", "data/integrity")
	v.SetDefault("integrity_check.db_size_mb", 1024)
	v.SetDefault("integrity_check.flush_buffer_count", 1000)
	v.SetDefault("integrity_check.max_key_size", 511)
	v.SetDefault("integrity_check.key_buffer_pool_size", 1000)
	v.SetDefault("integrity_check.consumer_timeout_seconds", 1)
	v.SetDefault("integrity_check.open_timeout_seconds", 5)
	v.SetDefault("integrity_check.progress_every", 1000)

	v.SetDefault("recovery.resume_from_target", false)
	v.SetDefault("recovery.progress_every", 1000)

	v.SetDefault("crawler.user_agent", "data-collector/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.rate_per_host", 2)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.blocked_domains", []string{})

	v.SetDefault("archive.provider", ProviderNone)
	v.SetDefault("archive.prefix", "indexes")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.use_ssl", true)
	v.SetDefault("archive.s3.auto_create_bucket", false)

	v.SetDefault("notify.provider", ProviderNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus_sink", true)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.table", "job_runs")

	v.SetDefault("telemetry.service_name", "data-collector")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.ContentStore.validate("content_store"); err != nil {
		return err
	}
	if err := c.RecoveryStore.validate("recovery_store"); err != nil {
		return err
	}
	if err := c.IntegrityCheck.validate(); err != nil {
		return err
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	switch c.Notify.Provider {
	case "", ProviderNone, ProviderMemory:
	case ProviderPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("notify.provider %q is not supported", c.Notify.Provider)
	}
	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history.dsn must be set when history is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (s StoreConfig) validate(section string) error {
	switch s.Provider {
	case "", ProviderMemory:
		return nil
	case ProviderPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("%s.postgres.dsn is required for the postgres provider", section)
		}
		return nil
	case ProviderRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("%s.redis.addr is required for the redis provider", section)
		}
		return nil
	default:
		return fmt.Errorf("%s.provider %q is not supported", section, s.Provider)
	}
}

func (c IntegrityConfig) validate() error {
	if strings.TrimSpace(c.DatabaseLocation) == "" {
		return fmt.Errorf("integrity_check.database_location is required")
	}
	if c.DBSizeMB <= 0 {
		return fmt.Errorf("integrity_check.db_size_mb must be > 0")
	}
	if c.FlushBufferCount <= 0 {
		return fmt.Errorf("integrity_check.flush_buffer_count must be > 0")
	}
	if c.MaxKeySize < 18 {
		return fmt.Errorf("integrity_check.max_key_size must be >= 18")
	}
	if c.KeyBufferPoolSize < c.FlushBufferCount {
		return fmt.Errorf("integrity_check.key_buffer_pool_size must be >= flush_buffer_count")
	}
	if c.ConsumerTimeoutSeconds <= 0 {
		return fmt.Errorf("integrity_check.consumer_timeout_seconds must be > 0")
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Provider {
	case "", ProviderNone, ProviderMemory:
		return nil
	case ProviderLocal:
		if a.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case ProviderGCS, ProviderS3:
		if a.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the %s provider", a.Provider)
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", a.Provider)
	}
	return nil
}

// ConsumerTimeout converts integrity_check.consumer_timeout_seconds.
func (c IntegrityConfig) ConsumerTimeout() time.Duration {
	return time.Duration(c.ConsumerTimeoutSeconds) * time.Second
}

// OpenTimeout converts integrity_check.open_timeout_seconds.
func (c IntegrityConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// MaxSizeBytes converts integrity_check.db_size_mb.
func (c IntegrityConfig) MaxSizeBytes() int64 {
	return c.DBSizeMB << 20
}

// ShutdownTimeout converts server.shutdown_timeout_seconds.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Timeout converts crawler.timeout_seconds.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval converts postgres.poll_interval_ms.
func (c PostgresConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
