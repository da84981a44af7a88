package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the protocol engine.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration

	RequestBudget time.Duration
	AdmitRate     float64
	AdmitBurst    int
	MaxVoiceBytes int

	AllowAnyOrigin bool

	DatabaseURL string
	APIKeys     []string
	// AllowAnyKey accepts any non-empty API key when no keys are
	// seeded. Registration fails closed without it.
	AllowAnyKey bool

	PipelineMode string // echo | mock
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		ShutdownTimeout:   15 * time.Second,
		SessionTimeout:    90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		RequestBudget:     60 * time.Second,
		AdmitRate:         5,
		AdmitBurst:        10,
		MaxVoiceBytes:     8 << 20,
		DatabaseURL:       trimSpace(os.Getenv("DATABASE_URL")),
		PipelineMode:      envOrDefault("APP_PIPELINE_MODE", "echo"),
	}

	if keys := trimSpace(os.Getenv("APP_API_KEYS")); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = trimSpace(k); k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeout, err = durationFromEnv("APP_SESSION_TIMEOUT", cfg.SessionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("APP_EXPIRY_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.RequestBudget, err = durationFromEnv("APP_REQUEST_BUDGET", cfg.RequestBudget); err != nil {
		return Config{}, err
	}
	if cfg.AdmitRate, err = floatFromEnv("APP_ADMIT_RATE", cfg.AdmitRate); err != nil {
		return Config{}, err
	}
	if cfg.AdmitBurst, err = intFromEnv("APP_ADMIT_BURST", cfg.AdmitBurst); err != nil {
		return Config{}, err
	}
	if cfg.MaxVoiceBytes, err = intFromEnv("APP_MAX_VOICE_BYTES", cfg.MaxVoiceBytes); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyKey, err = boolFromEnv("APP_ALLOW_ANY_KEY", cfg.AllowAnyKey); err != nil {
		return Config{}, err
	}

	if cfg.SessionTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TIMEOUT must be at least 5s")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.SessionTimeout {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be positive and below APP_SESSION_TIMEOUT")
	}
	if cfg.RequestBudget <= 0 {
		return Config{}, fmt.Errorf("APP_REQUEST_BUDGET must be positive")
	}
	if cfg.AdmitRate <= 0 || cfg.AdmitBurst <= 0 {
		return Config{}, fmt.Errorf("APP_ADMIT_RATE and APP_ADMIT_BURST must be positive")
	}
	if cfg.MaxVoiceBytes <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_VOICE_BYTES must be positive")
	}
	switch cfg.PipelineMode {
	case "echo", "mock":
	default:
		return Config{}, fmt.Errorf("invalid APP_PIPELINE_MODE: %q (expected echo|mock)", cfg.PipelineMode)
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

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpace(os.Getenv(key))
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
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpace(os.Getenv(key)))
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
