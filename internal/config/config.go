package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type ObservabilityConfig struct {
	Metrics struct {
		Enabled  bool   `mapstructure:"enabled"`
		Provider string `mapstructure:"provider"`
		Port     int    `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// Features captures the deployment knobs loaded from features.yaml. They
// overlay the env-driven Config.
type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Events        struct {
		QueueCapacity  int `mapstructure:"queue_capacity"`
		PollIntervalMs int `mapstructure:"poll_interval_ms"`
		GracePeriodMs  int `mapstructure:"grace_period_ms"`
	} `mapstructure:"events"`
	Streaming struct {
		RingCapacity     int  `mapstructure:"ring_capacity"`
		SubscriberBuffer int  `mapstructure:"subscriber_buffer"`
		MirrorEnabled    bool `mapstructure:"mirror_enabled"`
		MirrorMaxLen     int  `mapstructure:"mirror_max_len"`
		MirrorTTLHours   int  `mapstructure:"mirror_ttl_hours"`
	} `mapstructure:"streaming"`
	Workflows struct {
		PoolSize        int  `mapstructure:"pool_size"`
		StartsPerMinute int  `mapstructure:"starts_per_minute"`
		StartBurst      int  `mapstructure:"start_burst"`
		FollowUps       bool `mapstructure:"follow_ups"`
	} `mapstructure:"workflows"`
}

// LoadFeatures loads features.yaml from CONFIG_PATH or /app/config/features.yaml
func LoadFeatures() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/app/config/features.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// MetricsPort returns port from config or an env override METRICS_PORT, falling back to defaultPort
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f, err := LoadFeatures(); err == nil {
		if f.Observability.Metrics.Port > 0 {
			return f.Observability.Metrics.Port
		}
	}
	return defaultPort
}

// ApplyFeatures overlays feature file knobs onto an env-derived config.
// Zero values in the feature file leave the config untouched.
func ApplyFeatures(cfg *Config, f *Features) {
	if cfg == nil || f == nil {
		return
	}
	if f.Observability.Logging.Level != "" {
		cfg.LogLevel = f.Observability.Logging.Level
	}
	if f.Observability.Metrics.Port > 0 {
		cfg.Service.AdminPort = f.Observability.Metrics.Port
	}
	if f.Events.QueueCapacity > 0 {
		cfg.Events.QueueCapacity = f.Events.QueueCapacity
	}
	if f.Events.PollIntervalMs > 0 {
		cfg.Events.PollInterval = msDuration(f.Events.PollIntervalMs)
	}
	if f.Events.GracePeriodMs > 0 {
		cfg.Events.GracePeriod = msDuration(f.Events.GracePeriodMs)
	}
	if f.Streaming.RingCapacity > 0 {
		cfg.Streaming.RingCapacity = f.Streaming.RingCapacity
	}
	if f.Streaming.SubscriberBuffer > 0 {
		cfg.Streaming.SubscriberBuffer = f.Streaming.SubscriberBuffer
	}
	if f.Streaming.MirrorEnabled {
		cfg.Streaming.MirrorEnabled = true
	}
	if f.Streaming.MirrorMaxLen > 0 {
		cfg.Streaming.MirrorMaxLen = int64(f.Streaming.MirrorMaxLen)
	}
	if f.Streaming.MirrorTTLHours > 0 {
		cfg.Streaming.MirrorTTL = hoursDuration(f.Streaming.MirrorTTLHours)
	}
	if f.Workflows.PoolSize > 0 {
		cfg.Workflows.PoolSize = f.Workflows.PoolSize
	}
	if f.Workflows.StartsPerMinute > 0 {
		cfg.Workflows.StartsPerMinute = f.Workflows.StartsPerMinute
	}
	if f.Workflows.StartBurst > 0 {
		cfg.Workflows.StartBurst = f.Workflows.StartBurst
	}
}
