package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/db"
	"judgebox/internal/common/mq"
	"judgebox/internal/common/storage"
	"judgebox/internal/judge/queue"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/security"
	"judgebox/internal/judge/service"
	"judgebox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds producer settings for the result announcer. An
// empty broker list disables the announcer.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	ResultTopic  string        `yaml:"resultTopic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
}

// WorkerConfig holds worker pool and admission settings.
type WorkerConfig struct {
	PoolSize      int `yaml:"poolSize"`
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// IntakeConfig holds submission intake settings.
type IntakeConfig struct {
	SourceBucket   string                  `yaml:"sourceBucket"`
	SourcePrefix   string                  `yaml:"sourcePrefix"`
	MaxCodeBytes   int                     `yaml:"maxCodeBytes"`
	IdempotencyTTL time.Duration           `yaml:"idempotencyTTL"`
	RateLimit      service.RateLimitConfig `yaml:"rateLimit"`
}

// PublishConfig holds result publication settings.
type PublishConfig struct {
	Channel string `yaml:"channel"`
}

// HealthConfig holds health probe thresholds.
type HealthConfig struct {
	MemoryCriticalPercent float64 `yaml:"memoryCriticalPercent"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig               `yaml:"server"`
	Logger    logger.Config              `yaml:"logger"`
	Database  db.MySQLConfig             `yaml:"database"`
	Redis     cache.RedisConfig          `yaml:"redis"`
	Kafka     KafkaConfig                `yaml:"kafka"`
	MinIO     storage.MinIOConfig        `yaml:"minio"`
	Queue     queue.Config               `yaml:"queue"`
	Security  security.Config            `yaml:"security"`
	Sandbox   sandbox.ExecutorConfig     `yaml:"sandbox"`
	Workspace sandbox.WorkspaceConfig    `yaml:"workspace"`
	Languages []sandbox.ExecutionProfile `yaml:"languages"`
	Worker    WorkerConfig               `yaml:"worker"`
	Intake    IntakeConfig               `yaml:"intake"`
	Publish   PublishConfig              `yaml:"publish"`
	Health    HealthConfig               `yaml:"health"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.ResultTopic == "" {
		return nil, fmt.Errorf("kafka resultTopic is required when brokers are set")
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
