package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speech session bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	Environment      string
	LogLevel         string

	AllowAnyOrigin bool

	// StoreBackend selects the durable registry: "memory", "postgres" or "redis".
	StoreBackend string
	DatabaseURL  string
	RedisAddr    string
	RedisPass    string
	RedisDB      int

	ConnectionTTL time.Duration
	SessionTTL    time.Duration

	// InitTimeout bounds the whole real-mode initialization: dialing the
	// inference stream and observing its first event. On expiry the session
	// degrades to fallback mode.
	InitTimeout       time.Duration
	FallbackStepDelay time.Duration
	QueueCapacity     int

	InferenceWSURL   string
	InferenceModelID string
	DefaultVoiceID   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		Environment:       envOrDefault("APP_ENV", "development"),
		LogLevel:          envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:    false,
		StoreBackend:      strings.ToLower(envOrDefault("BRIDGE_STORE_BACKEND", "memory")),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		RedisAddr:         trimmedEnv("REDIS_ADDR"),
		RedisPass:         trimmedEnv("REDIS_PASSWORD"),
		RedisDB:           0,
		ConnectionTTL:     2 * time.Hour,
		SessionTTL:        24 * time.Hour,
		InitTimeout:       12 * time.Second,
		FallbackStepDelay: 400 * time.Millisecond,
		QueueCapacity:     256,
		InferenceWSURL:    envOrDefault("INFERENCE_WS_URL", "wss://inference.invalid/v1/speech/stream"),
		InferenceModelID:  envOrDefault("INFERENCE_MODEL_ID", "speech-duplex-1"),
		DefaultVoiceID:    envOrDefault("INFERENCE_DEFAULT_VOICE_ID", "matthew"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTTL, err = durationFromEnv("BRIDGE_CONNECTION_TTL", cfg.ConnectionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("BRIDGE_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.InitTimeout, err = durationFromEnv("BRIDGE_INIT_TIMEOUT", cfg.InitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FallbackStepDelay, err = durationFromEnv("BRIDGE_FALLBACK_STEP_DELAY", cfg.FallbackStepDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueCapacity, err = intFromEnv("BRIDGE_QUEUE_CAPACITY", cfg.QueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.StoreBackend {
	case "memory", "postgres", "redis":
	default:
		return Config{}, fmt.Errorf("BRIDGE_STORE_BACKEND must be memory, postgres or redis")
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("BRIDGE_STORE_BACKEND=postgres requires DATABASE_URL")
	}
	if cfg.StoreBackend == "redis" && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("BRIDGE_STORE_BACKEND=redis requires REDIS_ADDR")
	}
	if cfg.InitTimeout < time.Second {
		return Config{}, fmt.Errorf("BRIDGE_INIT_TIMEOUT must be at least 1s")
	}
	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("BRIDGE_SESSION_TTL must be at least 1m")
	}
	if cfg.ConnectionTTL < time.Minute {
		return Config{}, fmt.Errorf("BRIDGE_CONNECTION_TTL must be at least 1m")
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_QUEUE_CAPACITY must be positive")
	}
	if cfg.FallbackStepDelay < 0 {
		return Config{}, fmt.Errorf("BRIDGE_FALLBACK_STEP_DELAY must not be negative")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
