// Package config defines the typed runtime configuration for the hub and
// loads it from viper-bound flags, environment variables, and config files.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// RateLimitRule bounds one inbound message type: at most MaxMessages within
// Window, with a temporary Block applied once the window is exhausted.
type RateLimitRule struct {
	MaxMessages int
	Window      time.Duration
	Block       time.Duration
}

// Config holds the full runtime configuration of a hub instance.
type Config struct {
	Port        int
	RedisURL    string
	DatabaseURL string
	JWTSecret   string

	SessionTTL         time.Duration // presence hash TTL
	CacheTTL           time.Duration // content snapshot TTL
	QueueMaxAttempts   int
	QueueBackoff       time.Duration
	QueueTick          time.Duration
	JobTimeout         time.Duration
	StaleSweepInterval time.Duration // presence sweep cadence
	LimiterGCInterval  time.Duration // rate-limit window GC cadence

	// RateLimits maps an inbound message type to its admission rule.
	// Message types without a rule are unlimited.
	RateLimits map[string]RateLimitRule
}

// Default returns the configuration defaults. Rate-limit defaults follow the
// collaboration profile: CRDT deltas are small and frequent, awareness is
// chattier per keystroke but cheaper to drop.
func Default() Config {
	return Config{
		Port:               8080,
		RedisURL:           "redis://localhost:6379/0",
		SessionTTL:         300 * time.Second,
		CacheTTL:           time.Hour,
		QueueMaxAttempts:   3,
		QueueBackoff:       5 * time.Second,
		QueueTick:          time.Second,
		JobTimeout:         30 * time.Second,
		StaleSweepInterval: 10 * time.Minute,
		LimiterGCInterval:  5 * time.Minute,
		RateLimits: map[string]RateLimitRule{
			"crdt-update":      {MaxMessages: 50, Window: time.Second, Block: 5 * time.Second},
			"awareness-update": {MaxMessages: 30, Window: time.Second, Block: 3 * time.Second},
		},
	}
}

// Load assembles a Config from viper state layered over the defaults.
// Callers are expected to have bound flags and environment variables first
// (see cli.initConfig).
func Load() Config {
	cfg := Default()

	if v := viper.GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if v := viper.GetString("redis.url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("database.url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetString("jwt.secret"); v != "" {
		cfg.JWTSecret = v
	}

	if v := viper.GetInt("session.ttl_sec"); v != 0 {
		cfg.SessionTTL = time.Duration(v) * time.Second
	}
	if v := viper.GetInt("cache.ttl_sec"); v != 0 {
		cfg.CacheTTL = time.Duration(v) * time.Second
	}
	if v := viper.GetInt("queue.max_attempts"); v != 0 {
		cfg.QueueMaxAttempts = v
	}
	if v := viper.GetInt("queue.backoff_ms"); v != 0 {
		cfg.QueueBackoff = time.Duration(v) * time.Millisecond
	}
	if v := viper.GetInt("queue.tick_ms"); v != 0 {
		cfg.QueueTick = time.Duration(v) * time.Millisecond
	}
	if v := viper.GetInt("queue.job_timeout_ms"); v != 0 {
		cfg.JobTimeout = time.Duration(v) * time.Millisecond
	}
	if v := viper.GetInt("presence.sweep_ms"); v != 0 {
		cfg.StaleSweepInterval = time.Duration(v) * time.Millisecond
	}
	if v := viper.GetInt("ratelimit.gc_ms"); v != 0 {
		cfg.LimiterGCInterval = time.Duration(v) * time.Millisecond
	}

	return cfg
}

// Validate checks the configuration for values the process cannot start
// without. A validation error is fatal at startup.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.SessionTTL <= 0 || c.CacheTTL <= 0 {
		return fmt.Errorf("session and cache TTLs must be positive")
	}
	for msgType, rule := range c.RateLimits {
		if rule.MaxMessages < 1 || rule.Window <= 0 || rule.Block <= 0 {
			return fmt.Errorf("invalid rate limit rule for %q", msgType)
		}
	}
	return nil
}
