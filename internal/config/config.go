package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	StatusTopic     string        `mapstructure:"status_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BroadcastConfig tunes the job scheduler.
type BroadcastConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	OrgConcurrency      int           `mapstructure:"org_concurrency"`
	RateLimitRetryDelay time.Duration `mapstructure:"rate_limit_retry_delay"`
	RetainCompleted     int           `mapstructure:"retain_completed"`
	RetainFailed        int           `mapstructure:"retain_failed"`
	TriggerInterval     time.Duration `mapstructure:"trigger_interval"`
	DistributedSlots    bool          `mapstructure:"distributed_slots"`
	SlotTTL             time.Duration `mapstructure:"slot_ttl"`
	// StallTimeout returns jobs claimed longer ago than this to the queue.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// Store selects the job store: "redis" (shared) or "memory" (single process).
	Store string `mapstructure:"store"`
	// EmbeddedDispatch runs the dispatch and trigger loops inside the API process.
	EmbeddedDispatch bool `mapstructure:"embedded_dispatch"`
}

// RateLimitConfig holds the default per-organization ceilings.
type RateLimitConfig struct {
	MessagesPerMinute int `mapstructure:"messages_per_minute"`
	MessagesPerHour   int `mapstructure:"messages_per_hour"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type WhatsAppConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIVersion        string        `mapstructure:"api_version"`
	PhoneNumberID     string        `mapstructure:"phone_number_id"`
	AccessToken       string        `mapstructure:"access_token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	VerifyToken       string        `mapstructure:"verify_token"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("BROADCAST")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	b := &c.Broadcast
	if b.PollInterval <= 0 {
		b.PollInterval = 250 * time.Millisecond
	}
	if b.BatchSize <= 0 {
		b.BatchSize = 50
	}
	if b.OrgConcurrency <= 0 {
		b.OrgConcurrency = 1
	}
	if b.RateLimitRetryDelay <= 0 {
		b.RateLimitRetryDelay = time.Second
	}
	if b.RetainCompleted <= 0 {
		b.RetainCompleted = 100
	}
	if b.RetainFailed <= 0 {
		b.RetainFailed = 50
	}
	if b.TriggerInterval <= 0 {
		b.TriggerInterval = 30 * time.Second
	}
	if b.SlotTTL <= 0 {
		b.SlotTTL = 5 * time.Minute
	}
	if b.StallTimeout <= 0 {
		b.StallTimeout = 5 * time.Minute
	}
	if b.Store == "" {
		b.Store = "redis"
	}

	if c.RateLimit.MessagesPerMinute <= 0 {
		c.RateLimit.MessagesPerMinute = 60
	}
	if c.RateLimit.MessagesPerHour <= 0 {
		c.RateLimit.MessagesPerHour = 1000
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 2 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}

	if c.WhatsApp.Provider == "" {
		c.WhatsApp.Provider = "mock"
	}
	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v18.0"
	}
	if c.WhatsApp.RequestTimeout <= 0 {
		c.WhatsApp.RequestTimeout = 30 * time.Second
	}
	if c.WhatsApp.RequestsPerSecond <= 0 {
		c.WhatsApp.RequestsPerSecond = 20
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "broadcast"
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
