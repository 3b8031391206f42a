package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"provlog/internal/idpartition"
	"provlog/internal/ingest/kafka"
	"provlog/internal/ingest/rabbitmq"
	"provlog/internal/ingest/spool"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Index     IndexConfig     `mapstructure:"index"`
	PeerSync  PeerSyncConfig  `mapstructure:"peersync"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Feature   FeatureConfig   `mapstructure:"feature"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
	Role   string `mapstructure:"role"`
}

type SpoolConfig struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lock         bool          `mapstructure:"lock"`
	// Compression applies to files written by the broker adapters.
	Compression string `mapstructure:"compression"`
}

type StorageConfig struct {
	Path           string        `mapstructure:"path"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	BorrowAttempts int           `mapstructure:"borrow_attempts"`
	BorrowBackoff  time.Duration `mapstructure:"borrow_backoff"`
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Threshold is kept as text: unparseable or too small values fall back to
	// the default when the policy is built.
	Threshold string        `mapstructure:"threshold"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type IndexConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
}

type PeerSyncConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	AuthToken  string `mapstructure:"auth_token"`
	MaxRecords int    `mapstructure:"max_records"`
}

type IngestConfig struct {
	Kafka    kafka.Config    `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("provlog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
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

// setDefaults also registers every key AutomaticEnv should see: viper only
// consults the environment for keys it already knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.role", idpartition.RolePrimary.String())
	v.SetDefault("spool.poll_interval", time.Second)
	v.SetDefault("spool.lock", true)
	v.SetDefault("spool.compression", string(spool.CompressionNone))
	v.SetDefault("storage.max_open_conns", 4)
	v.SetDefault("storage.borrow_attempts", 3)
	v.SetDefault("storage.borrow_backoff", 50*time.Millisecond)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.threshold", "")
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.batch_size", 1_000_000)
	v.SetDefault("index.chunk_size", 6_000_000)
	v.SetDefault("peersync.enabled", false)
	v.SetDefault("peersync.address", "127.0.0.1:8444")
	v.SetDefault("peersync.auth_token", "")
	v.SetDefault("peersync.max_records", 10_000)
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.parse_mode", kafka.ParseModeLines)
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.manual_ack", true)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 100)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("ingest.rabbitmq.parser.mode", rabbitmq.ParseModeLines)
	v.SetDefault("feature.allow_multiple_adapters", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if _, err := idpartition.ParseRole(c.Server.Role); err != nil {
		return fmt.Errorf("server.role: %w", err)
	}
	if c.Spool.Dir == "" {
		return fmt.Errorf("spool.dir is required")
	}
	if _, err := spool.ParseCompression(c.Spool.Compression); err != nil {
		return fmt.Errorf("spool.compression: %w", err)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Retention.BatchSize < 0 {
		return fmt.Errorf("retention.batch_size must not be negative")
	}
	if c.Index.ChunkSize < 0 {
		return fmt.Errorf("index.chunk_size must not be negative")
	}
	if c.PeerSync.Enabled && c.PeerSync.Address == "" {
		return fmt.Errorf("peersync.address is required when peersync is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if err := c.Ingest.Kafka.Validate(); err != nil {
		return fmt.Errorf("ingest.kafka: %w", err)
	}
	if err := c.Ingest.RabbitMQ.Validate(); err != nil {
		return fmt.Errorf("ingest.rabbitmq: %w", err)
	}
	if !c.Feature.AllowMultipleAdapters && c.Ingest.Kafka.Enabled && c.Ingest.RabbitMQ.Enabled {
		return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
	}
	return nil
}

// Role returns the configured replica role. Validate has already checked it.
func (c Config) Role() idpartition.Role {
	r, _ := idpartition.ParseRole(c.Server.Role)
	return r
}
