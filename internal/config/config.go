package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime engine.
type Config struct {
	AppName          string
	AppEnv           string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	JWTSecret        string
	FeedSubjectBase  string
	FeedBufferSize   int
	ResyncBackoff    time.Duration
	ResyncMaxRetries int

	// Lifecycle scheduling.
	ForegroundTick  time.Duration
	BackgroundTick  time.Duration
	ExpiryThreshold time.Duration
	ExtendIncrement time.Duration

	// Presence heuristics.
	PresenceInterval  time.Duration
	PresenceFreshness time.Duration
}

// Load reads configuration values from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ROOMLIVE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "roomlive")
	v.SetDefault("app.env", "development")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("feed.subject_base", "roomlive.feed")
	v.SetDefault("feed.buffer_size", 256)
	v.SetDefault("resync.backoff", "2s")
	v.SetDefault("resync.max_retries", 5)
	v.SetDefault("lifecycle.foreground_tick", "1s")
	v.SetDefault("lifecycle.background_tick", "60s")
	v.SetDefault("lifecycle.expiry_threshold", "30s")
	v.SetDefault("lifecycle.extend_increment", "30m")
	v.SetDefault("presence.interval", "30s")
	v.SetDefault("presence.freshness", "60s")

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		JWTSecret:        v.GetString("jwt.secret"),
		FeedSubjectBase:  v.GetString("feed.subject_base"),
		FeedBufferSize:   v.GetInt("feed.buffer_size"),
		ResyncMaxRetries: v.GetInt("resync.max_retries"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"resync.backoff", &cfg.ResyncBackoff},
		{"lifecycle.foreground_tick", &cfg.ForegroundTick},
		{"lifecycle.background_tick", &cfg.BackgroundTick},
		{"lifecycle.expiry_threshold", &cfg.ExpiryThreshold},
		{"lifecycle.extend_increment", &cfg.ExtendIncrement},
		{"presence.interval", &cfg.PresenceInterval},
		{"presence.freshness", &cfg.PresenceFreshness},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = parsed
	}

	if cfg.FeedBufferSize <= 0 {
		cfg.FeedBufferSize = 256
	}

	if cfg.ResyncMaxRetries <= 0 {
		cfg.ResyncMaxRetries = 5
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	return cfg, nil
}
