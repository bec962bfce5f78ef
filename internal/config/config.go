package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Annotator AnnotatorConfig `yaml:"annotator"`
	Upload    UploadConfig    `yaml:"upload"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	Mode           string   `yaml:"mode"` // debug, release, test
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite, mysql, postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	LogSQL       bool   `yaml:"log_sql"`
}

type JWTConfig struct {
	Secret             string `yaml:"secret"`
	ExpireHour         int    `yaml:"expire_hour"`
	RefreshExpireHours int    `yaml:"refresh_expire_hours"`
}

// RedisConfig enables the asynq-backed queue. Without it tasks run on the
// in-process worker pool.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TLS      bool          `yaml:"tls"` // set by a rediss:// URL
	CacheTTL time.Duration `yaml:"cache_ttl"` // sentiment stats cache
}

// Options builds the go-redis client options. asynq and the stats cache
// both connect with them.
func (r *RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:     r.Addr,
		Username: r.Username,
		Password: r.Password,
		DB:       r.DB,
	}
	if r.TLS {
		host, _, _ := net.SplitHostPort(r.Addr)
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	return opts
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Queue       string `yaml:"queue"`
	BufferSize  int    `yaml:"buffer_size"`
}

// PipelineConfig tunes the feedback processing pipeline and its sweepers.
type PipelineConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	AnnotateTimeout      time.Duration `yaml:"annotate_timeout"`
	PendingSweepInterval time.Duration `yaml:"pending_sweep_interval"`
	PendingBatchSize     int           `yaml:"pending_batch_size"`
	PurgeSchedule        string        `yaml:"purge_schedule"`
	RetentionDays        int           `yaml:"retention_days"`
	LogRetentionDays     int           `yaml:"log_retention_days"`
}

type AnnotatorConfig struct {
	Provider     string  `yaml:"provider"` // keyword, openai, azure, anthropic, ollama, gemini
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	EmbeddingDim int     `yaml:"embedding_dim"`
}

type UploadConfig struct {
	MaxRows      int   `yaml:"max_rows"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// NotifyConfig routes operational alerts to Slack, either through an
// incoming webhook or a bot token plus channel. Both empty disables alerts.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	SlackBotToken   string `yaml:"slack_bot_token"`
	SlackChannel    string `yaml:"slack_channel"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, err
	default:
		// Unmarshal over the defaults so a partial file keeps the rest.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	if err := cfg.overrideFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8000",
			Mode:           "debug",
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "efsilonquest.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		JWT: JWTConfig{
			Secret:             "efsilonquest-secret-key-change-in-production",
			ExpireHour:         1,
			RefreshExpireHours: 24 * 7,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			CacheTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			Queue:       "default",
			BufferSize:  1024,
		},
		Pipeline: PipelineConfig{
			MaxRetries:           3,
			RetryBaseDelay:       60 * time.Second,
			AnnotateTimeout:      30 * time.Second,
			PendingSweepInterval: 60 * time.Second,
			PendingBatchSize:     100,
			PurgeSchedule:        "0 2 * * *",
			RetentionDays:        90,
			LogRetentionDays:     30,
		},
		Annotator: AnnotatorConfig{
			Provider:     "keyword",
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			Temperature:  0.2,
			MaxTokens:    1024,
			EmbeddingDim: 384,
		},
		Upload: UploadConfig{
			MaxRows:      10000,
			MaxFileBytes: 10 << 20,
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.RetryBaseDelay <= 0 {
		return fmt.Errorf("pipeline.retry_base_delay must be positive")
	}
	if p.PendingBatchSize <= 0 {
		return fmt.Errorf("pipeline.pending_batch_size must be positive, got %d", p.PendingBatchSize)
	}
	if p.PendingSweepInterval < time.Second {
		return fmt.Errorf("pipeline.pending_sweep_interval must be at least 1s, got %s", p.PendingSweepInterval)
	}
	if _, err := cron.ParseStandard(p.PurgeSchedule); err != nil {
		return fmt.Errorf("pipeline.purge_schedule %q: %w", p.PurgeSchedule, err)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	switch c.Annotator.Provider {
	case "keyword", "openai", "azure", "anthropic", "ollama", "gemini":
	default:
		return fmt.Errorf("annotator.provider %q is not supported", c.Annotator.Provider)
	}
	if c.Annotator.EmbeddingDim <= 0 {
		return fmt.Errorf("annotator.embedding_dim must be positive")
	}
	if c.Notify.SlackBotToken != "" && c.Notify.SlackChannel == "" {
		return fmt.Errorf("notify.slack_channel is required with notify.slack_bot_token")
	}
	return nil
}

func (c *Config) overrideFromEnv() error {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if n, err := strconv.Atoi(os.Getenv("WORKER_CONCURRENCY")); err == nil && n > 0 {
		c.Worker.Concurrency = n
	}
	if days, err := strconv.Atoi(os.Getenv("RETENTION_DAYS")); err == nil && days > 0 {
		c.Pipeline.RetentionDays = days
	}
	if provider := os.Getenv("ANNOTATOR_PROVIDER"); provider != "" {
		c.Annotator.Provider = provider
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		c.Annotator.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		c.Annotator.APIKey = apiKey
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.Annotator.Model = model
	}
	if model := os.Getenv("ANNOTATOR_MODEL"); model != "" {
		c.Annotator.Model = model
	}
	if apiKey := os.Getenv("ANNOTATOR_API_KEY"); apiKey != "" {
		c.Annotator.APIKey = apiKey
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		c.Notify.SlackWebhookURL = url
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		c.Notify.SlackBotToken = token
	}
	if channel := os.Getenv("SLACK_CHANNEL"); channel != "" {
		c.Notify.SlackChannel = channel
	}
	// Redis URL override (redis:// or rediss://[user:password@]host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := c.parseRedisURL(redisURL); err != nil {
			return err
		}
		c.Redis.Enabled = true
	}
	return nil
}

// parseRedisURL reads a redis:// or rediss:// URL into c.Redis.
func (c *Config) parseRedisURL(redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("REDIS_URL: %w", err)
	}
	c.Redis.Addr = opts.Addr
	c.Redis.Username = opts.Username
	c.Redis.Password = opts.Password
	c.Redis.DB = opts.DB
	c.Redis.TLS = opts.TLSConfig != nil
	return nil
}
