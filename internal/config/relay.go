package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top level orchestrator configuration. Values come from
// environment variables with sensible defaults; feature knobs can be
// layered on top via features.yaml (see Features).
type Config struct {
	Environment string `json:"environment" yaml:"environment"`
	LogLevel    string `json:"log_level" yaml:"log_level"`

	Service   ServiceConfig   `json:"service" yaml:"service"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`
	Workflows WorkflowsConfig `json:"workflows" yaml:"workflows"`
	Session   SessionConfig   `json:"session" yaml:"session"`
}

// ServiceConfig contains basic service configuration
type ServiceConfig struct {
	Port            int           `json:"port" yaml:"port"`
	AdminPort       int           `json:"admin_port" yaml:"admin_port"` // health + metrics
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	SkipAuth          bool          `json:"skip_auth" yaml:"skip_auth"` // Development mode
	JWTSecret         string        `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenExpiry time.Duration `json:"access_token_expiry" yaml:"access_token_expiry"`
}

// PostgresConfig contains database connection settings
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// ConnectionString builds a lib/pq DSN.
func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns host:port for go-redis clients.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EventsConfig tunes the shared event queue and its listeners
type EventsConfig struct {
	QueueCapacity int           `json:"queue_capacity" yaml:"queue_capacity"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	GracePeriod   time.Duration `json:"grace_period" yaml:"grace_period"`
}

// StreamingConfig tunes the broadcast layer
type StreamingConfig struct {
	RingCapacity     int           `json:"ring_capacity" yaml:"ring_capacity"`
	SubscriberBuffer int           `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	MirrorEnabled    bool          `json:"mirror_enabled" yaml:"mirror_enabled"`
	MirrorMaxLen     int64         `json:"mirror_max_len" yaml:"mirror_max_len"`
	MirrorTTL        time.Duration `json:"mirror_ttl" yaml:"mirror_ttl"`
}

// WorkflowsConfig tunes workflow admission
type WorkflowsConfig struct {
	PoolSize        int  `json:"pool_size" yaml:"pool_size"`
	StartsPerMinute int  `json:"starts_per_minute" yaml:"starts_per_minute"`
	StartBurst      int  `json:"start_burst" yaml:"start_burst"`
	FollowUps       bool `json:"follow_ups" yaml:"follow_ups"`
}

// SessionConfig tunes session storage
type SessionConfig struct {
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxHistory int           `json:"max_history" yaml:"max_history"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Service: ServiceConfig{
			Port:            8081,
			AdminPort:       2112,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
		},
		Auth: AuthConfig{
			SkipAuth:          true,
			AccessTokenExpiry: time.Hour,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "relay",
			Password: "relay",
			Database: "relay",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Events: EventsConfig{
			QueueCapacity: 4096,
			PollInterval:  20 * time.Millisecond,
			GracePeriod:   100 * time.Millisecond,
		},
		Streaming: StreamingConfig{
			RingCapacity:     256,
			SubscriberBuffer: 64,
			MirrorEnabled:    false,
			MirrorMaxLen:     1000,
			MirrorTTL:        24 * time.Hour,
		},
		Workflows: WorkflowsConfig{
			PoolSize:        32,
			StartsPerMinute: 30,
			StartBurst:      5,
			FollowUps:       true,
		},
		Session: SessionConfig{
			TTL:        24 * time.Hour,
			MaxHistory: 100,
		},
	}
}

// LoadFromEnv returns the default configuration with environment overrides
// applied.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.Service.Port = getEnvInt("SERVICE_PORT", cfg.Service.Port)
	cfg.Service.AdminPort = getEnvInt("ADMIN_PORT", cfg.Service.AdminPort)

	cfg.Auth.SkipAuth = getEnvBool("SKIP_AUTH", cfg.Auth.SkipAuth)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTokenExpiry = getEnvDuration("ACCESS_TOKEN_EXPIRY", cfg.Auth.AccessTokenExpiry)

	cfg.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvInt("POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("POSTGRES_DB", cfg.Postgres.Database)
	cfg.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Postgres.SSLMode)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("REDIS_PORT", cfg.Redis.Port)

	cfg.Events.QueueCapacity = getEnvInt("EVENT_QUEUE_CAPACITY", cfg.Events.QueueCapacity)
	cfg.Events.PollInterval = getEnvDuration("EVENT_POLL_INTERVAL", cfg.Events.PollInterval)
	cfg.Events.GracePeriod = getEnvDuration("EVENT_GRACE_PERIOD", cfg.Events.GracePeriod)

	cfg.Streaming.RingCapacity = getEnvInt("STREAM_RING_CAPACITY", cfg.Streaming.RingCapacity)
	cfg.Streaming.SubscriberBuffer = getEnvInt("STREAM_SUBSCRIBER_BUFFER", cfg.Streaming.SubscriberBuffer)
	cfg.Streaming.MirrorEnabled = getEnvBool("STREAM_MIRROR_ENABLED", cfg.Streaming.MirrorEnabled)
	cfg.Streaming.MirrorMaxLen = int64(getEnvInt("STREAM_MIRROR_MAX_LEN", int(cfg.Streaming.MirrorMaxLen)))
	cfg.Streaming.MirrorTTL = getEnvDuration("STREAM_MIRROR_TTL", cfg.Streaming.MirrorTTL)

	cfg.Workflows.PoolSize = getEnvInt("WORKFLOW_POOL_SIZE", cfg.Workflows.PoolSize)
	cfg.Workflows.StartsPerMinute = getEnvInt("WORKFLOW_STARTS_PER_MINUTE", cfg.Workflows.StartsPerMinute)
	cfg.Workflows.StartBurst = getEnvInt("WORKFLOW_START_BURST", cfg.Workflows.StartBurst)
	cfg.Workflows.FollowUps = getEnvBool("WORKFLOW_FOLLOW_UPS", cfg.Workflows.FollowUps)

	cfg.Session.TTL = getEnvDuration("SESSION_TTL", cfg.Session.TTL)
	cfg.Session.MaxHistory = getEnvInt("SESSION_MAX_HISTORY", cfg.Session.MaxHistory)

	return cfg
}

// Validate checks invariants that would otherwise surface as runtime failures.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port %d", c.Service.Port)
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required when auth is enabled")
	}
	if c.Events.QueueCapacity <= 0 {
		return fmt.Errorf("event queue capacity must be positive")
	}
	if c.Workflows.PoolSize <= 0 {
		return fmt.Errorf("workflow pool size must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func hoursDuration(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
