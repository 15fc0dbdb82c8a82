package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the human task service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	DefinitionsDir   string
	WatchDefinitions bool

	DirectoryFile             string
	DirectoryTimeout          time.Duration
	DirectoryRetryMaxElapsed  time.Duration
	EscalationSweepInterval   time.Duration
	EventHistoryLimit         int
	EventSubscriberBufferSize int

	OTelEnabled bool
	OTelStdout  bool

	LogLevel  slog.Level
	LogFormat string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "humantasks"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		DefinitionsDir:            envOrDefault("TASK_DEFINITIONS_DIR", "definitions"),
		DirectoryFile:             stringsTrimSpace("DIRECTORY_FILE"),
		LogFormat:                 strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		ShutdownTimeout:           15 * time.Second,
		DirectoryTimeout:          2 * time.Second,
		DirectoryRetryMaxElapsed:  5 * time.Second,
		EscalationSweepInterval:   time.Second,
		EventHistoryLimit:         512,
		EventSubscriberBufferSize: 256,
		WatchDefinitions:          true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchDefinitions, err = boolFromEnv("TASK_DEFINITIONS_WATCH", cfg.WatchDefinitions)
	if err != nil {
		return Config{}, err
	}
	cfg.DirectoryTimeout, err = durationFromEnv("DIRECTORY_TIMEOUT", cfg.DirectoryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DirectoryRetryMaxElapsed, err = durationFromEnv("DIRECTORY_RETRY_MAX_ELAPSED", cfg.DirectoryRetryMaxElapsed)
	if err != nil {
		return Config{}, err
	}
	cfg.EscalationSweepInterval, err = durationFromEnv("ESCALATION_SWEEP_INTERVAL", cfg.EscalationSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.EventHistoryLimit, err = intFromEnv("TASK_EVENT_HISTORY_LIMIT", cfg.EventHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.EventSubscriberBufferSize, err = intFromEnv("EVENT_SUBSCRIBER_BUFFER", cfg.EventSubscriberBufferSize)
	if err != nil {
		return Config{}, err
	}
	cfg.OTelEnabled, err = boolFromEnv("OTEL_ENABLED", cfg.OTelEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.OTelStdout, err = boolFromEnv("OTEL_STDOUT", cfg.OTelStdout)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return Config{}, err
	}

	if cfg.DirectoryTimeout <= 0 {
		return Config{}, fmt.Errorf("DIRECTORY_TIMEOUT must be positive")
	}
	if cfg.DirectoryRetryMaxElapsed < 0 {
		return Config{}, fmt.Errorf("DIRECTORY_RETRY_MAX_ELAPSED must be >= 0")
	}
	if cfg.EscalationSweepInterval < 10*time.Millisecond {
		return Config{}, fmt.Errorf("ESCALATION_SWEEP_INTERVAL must be at least 10ms")
	}
	if cfg.EventHistoryLimit <= 0 {
		return Config{}, fmt.Errorf("TASK_EVENT_HISTORY_LIMIT must be positive")
	}
	if cfg.EventSubscriberBufferSize <= 0 {
		return Config{}, fmt.Errorf("EVENT_SUBSCRIBER_BUFFER must be positive")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return level, nil
}
