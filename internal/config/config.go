package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig represents the HTTP/WebSocket serving configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	WSWriteTimeout  time.Duration `mapstructure:"ws_write_timeout" yaml:"ws_write_timeout" json:"ws_write_timeout"`
	WSSendBuffer    int           `mapstructure:"ws_send_buffer" yaml:"ws_send_buffer" json:"ws_send_buffer"`
}

// KafkaConfig represents the message bus connection.
type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	GroupPrefix     string        `mapstructure:"group_prefix" yaml:"group_prefix" json:"group_prefix"`
	MaxBytes        int           `mapstructure:"max_bytes" yaml:"max_bytes" json:"max_bytes"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" json:"retry_backoff"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic" yaml:"dead_letter_topic" json:"dead_letter_topic"`
}

// RedisConfig represents the read store connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password     string        `mapstructure:"password" yaml:"password" json:"password"`
	DB           int           `mapstructure:"db" yaml:"db" json:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
}

// StoreConfig tunes the write-through tables.
type StoreConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" json:"flush_interval"`
}

// DatabaseConfig represents the reference-data database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" json:"refresh_interval"`
}

// JanitorConfig tunes the terminal-state cleanup worker.
type JanitorConfig struct {
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" json:"retry_backoff"`
}

// Config is the application configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis" json:"redis"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store" json:"store"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`
	Janitor  JanitorConfig  `mapstructure:"janitor" yaml:"janitor" json:"janitor"`
}

// LoadConfig reads configuration from an optional yaml file and HFTGATE_*
// environment variables, applying defaults for anything unset.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("HFTGATE")

	setDefaults(v)

	for _, path := range paths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.ws_write_timeout", 10*time.Second)
	v.SetDefault("server.ws_send_buffer", 256)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_prefix", "hftgate")
	v.SetDefault("kafka.max_bytes", 1048576)
	v.SetDefault("kafka.retry_backoff", 10*time.Second)
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.dead_letter_topic", "hftgate.dead-letter")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("redis.key_prefix", "hft")

	v.SetDefault("store.batch_size", 500)
	v.SetDefault("store.flush_interval", 100*time.Millisecond)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.refresh_interval", 5*time.Minute)

	v.SetDefault("janitor.queue_size", 4096)
	v.SetDefault("janitor.max_attempts", 5)
	v.SetDefault("janitor.retry_backoff", time.Second)
}

func validate(cfg *Config) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Kafka.MaxAttempts < 1 {
		return fmt.Errorf("kafka: max_attempts must be at least 1")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	if cfg.Store.BatchSize < 1 {
		return fmt.Errorf("store: batch_size must be at least 1")
	}
	if cfg.Janitor.QueueSize < 1 {
		return fmt.Errorf("janitor: queue_size must be at least 1")
	}
	return nil
}
