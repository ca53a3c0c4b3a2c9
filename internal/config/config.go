// Package config provides configuration loading, defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/wire"
	"github.com/spf13/viper"
)

// ProviderSet provides the loaded configuration to wire.
var ProviderSet = wire.NewSet(Load)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Circuit    CircuitConfig    `mapstructure:"circuit_breaker"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Collab     CollabConfig     `mapstructure:"collaborators"`
	Timezone   string           `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeoutSec  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int    `mapstructure:"write_timeout_seconds"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"env"`
	ToStdout    bool   `mapstructure:"to_stdout"`
	ToFile      bool   `mapstructure:"to_file"`
	FilePath    string `mapstructure:"file_path"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	// MaxDepth rejects new submissions once the ready queue reaches this size.
	MaxDepth int `mapstructure:"max_depth"`
	// KeyPrefix namespaces every broker key in Redis.
	KeyPrefix string `mapstructure:"key_prefix"`
}

type DispatcherConfig struct {
	// MaxConcurrency bounds the number of simultaneously running tasks per
	// worker process.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// WorkerReplicas is the number of worker processes expected to run.
	// Informational for metrics and the consumer id; each process enforces
	// its own MaxConcurrency.
	WorkerReplicas int `mapstructure:"worker_replicas"`
	// LeaseSeconds is the task lock TTL; the heartbeat fires every third.
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// MaxRetries is the default retry budget per task.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffMaxSec caps the exponential retry backoff.
	BackoffMaxSec int `mapstructure:"backoff_max_seconds"`
	// ShutdownGraceSec limits how long in-flight handlers may run after a
	// termination signal. Zero means the remaining lease.
	ShutdownGraceSec int `mapstructure:"shutdown_grace_seconds"`
}

func (d DispatcherConfig) Lease() time.Duration {
	return time.Duration(d.LeaseSeconds) * time.Second
}

type OutboxConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_seconds"`
	MaxRetries      int `mapstructure:"max_retries"`
	PurgeAfterDays  int `mapstructure:"purge_after_days"`
}

type BudgetConfig struct {
	// DailyBudgetUSD is the per-provider daily budget seeded on first write.
	DailyBudgetUSD float64 `mapstructure:"daily_budget_usd"`
	// OvercommitFraction tolerates in-flight spend past the budget line.
	OvercommitFraction float64 `mapstructure:"overcommit_fraction"`
}

type CircuitConfig struct {
	// Threshold is the rolling failure rate that opens the circuit.
	Threshold float64 `mapstructure:"threshold"`
	// TimeoutSeconds is the initial open duration; doubled per failed probe
	// up to one hour.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// WindowSize is the rolling sample window per service.
	WindowSize int `mapstructure:"window_size"`
	// MinSamples is the minimum window fill before the breaker may open.
	MinSamples int `mapstructure:"min_samples"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	// TimestampToleranceSec rejects webhooks whose timestamp drifts further
	// from now than this.
	TimestampToleranceSec int `mapstructure:"timestamp_tolerance_seconds"`
}

// CollabConfig points at the downstream collaborator services the task
// handlers call.
type CollabConfig struct {
	ContentURL    string `mapstructure:"content_url"`
	SourceHostURL string `mapstructure:"source_host_url"`
	DeployURL     string `mapstructure:"deploy_url"`
	SyncURL       string `mapstructure:"sync_url"`
	ActionURL     string `mapstructure:"action_url"`
	SinkURL       string `mapstructure:"sink_url"`
	TimeoutSec    int    `mapstructure:"timeout_seconds"`
}

type AuthConfig struct {
	// APIKeySalt is appended to raw keys before hashing. Never rotated in
	// place: rotate keys instead.
	APIKeySalt string `mapstructure:"api_key_salt"`
}

// Load reads config.yaml (optional) and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv maps the flat deployment variable names onto config keys.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("dispatcher.max_concurrency", "MAX_CONCURRENCY")
	_ = v.BindEnv("dispatcher.worker_replicas", "WORKER_REPLICAS")
	_ = v.BindEnv("dispatcher.lease_seconds", "TASK_LEASE_SECONDS")
	_ = v.BindEnv("dispatcher.max_retries", "TASK_MAX_RETRIES")
	_ = v.BindEnv("dispatcher.backoff_max_seconds", "TASK_BACKOFF_MAX_SEC")
	_ = v.BindEnv("budget.daily_budget_usd", "MODEL_DAILY_BUDGET_USD")
	_ = v.BindEnv("queue.max_depth", "MAX_QUEUE_DEPTH")
	_ = v.BindEnv("circuit_breaker.threshold", "CIRCUIT_BREAKER_THRESHOLD")
	_ = v.BindEnv("circuit_breaker.timeout_seconds", "CIRCUIT_BREAKER_TIMEOUT")
	_ = v.BindEnv("auth.api_key_salt", "API_KEY_SALT")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "orchestrator")
	v.SetDefault("log.env", "production")
	v.SetDefault("log.to_stdout", true)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_seconds", 300)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("queue.max_depth", 10000)
	v.SetDefault("queue.key_prefix", "aurea")

	v.SetDefault("dispatcher.max_concurrency", 8)
	v.SetDefault("dispatcher.worker_replicas", 1)
	v.SetDefault("dispatcher.lease_seconds", 900)
	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.backoff_max_seconds", 60)
	v.SetDefault("dispatcher.shutdown_grace_seconds", 0)

	v.SetDefault("outbox.poll_interval_seconds", 5)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.purge_after_days", 7)

	v.SetDefault("budget.daily_budget_usd", 100.0)
	v.SetDefault("budget.overcommit_fraction", 0.10)

	v.SetDefault("circuit_breaker.threshold", 0.1)
	v.SetDefault("circuit_breaker.timeout_seconds", 600)
	v.SetDefault("circuit_breaker.window_size", 20)
	v.SetDefault("circuit_breaker.min_samples", 5)

	v.SetDefault("webhook.timestamp_tolerance_seconds", 300)

	v.SetDefault("collaborators.timeout_seconds", 120)

	v.SetDefault("timezone", "UTC")
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Dispatcher.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatcher.max_concurrency must be positive")
	}
	if c.Dispatcher.LeaseSeconds < 3 {
		return fmt.Errorf("dispatcher.lease_seconds must be at least 3")
	}
	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must not be negative")
	}
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue.max_depth must be positive")
	}
	if c.Circuit.Threshold <= 0 || c.Circuit.Threshold >= 1 {
		return fmt.Errorf("circuit_breaker.threshold must be in (0, 1)")
	}
	if c.Budget.OvercommitFraction < 0 || c.Budget.OvercommitFraction > 1 {
		return fmt.Errorf("budget.overcommit_fraction must be in [0, 1]")
	}
	return nil
}
