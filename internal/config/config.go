package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	OpenAIAPIKey  string
	OpenAIBaseURL string

	LLMModel         string
	LLMRetryBackoff  time.Duration
	LLMMaxRetries    int
	LLMMaxToolRounds int

	MemoryExtractionModel    string
	MemoryExtractionInterval time.Duration
	MemorySchemaCacheTTL     time.Duration
	MemorySchemaFile         string
	MemoryConfidenceFloor    float64
	MemoryConfidenceDelta    float64

	ToolManifestFile   string
	ToolWebhookURL     string
	ToolWebhookTimeout time.Duration

	SegmentWriteKey string
	DatabaseURL     string
	CompanyName     string
}

// MockProvider reports whether completions are served by the local echo
// provider instead of OpenAI.
func (c Config) MockProvider() bool {
	return c.OpenAIAPIKey == ""
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":3333"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		LogLevel:              strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		AllowAnyOrigin:        false,
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:              envOrDefault("LLM_MODEL", "gpt-4o"),
		MemoryExtractionModel: envOrDefault("MEMORY_EXTRACTION_MODEL", "gpt-4o-mini"),
		MemorySchemaFile:      stringsTrimSpace("MEMORY_SCHEMA_FILE"),
		ToolManifestFile:      stringsTrimSpace("TOOL_MANIFEST_FILE"),
		ToolWebhookURL:        stringsTrimSpace("TOOL_WEBHOOK_URL"),
		SegmentWriteKey:       stringsTrimSpace("SEGMENT_WRITE_KEY"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		CompanyName:           envOrDefault("COMPANY_NAME", "Owl Shoes"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		SessionRetention:         30 * time.Minute,
		LLMRetryBackoff:          time.Second,
		LLMMaxRetries:            3,
		LLMMaxToolRounds:         8,
		MemoryExtractionInterval: 30 * time.Second,
		MemorySchemaCacheTTL:     10 * time.Minute,
		MemoryConfidenceFloor:    0.6,
		MemoryConfidenceDelta:    0.2,
		ToolWebhookTimeout:       5 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.LLMRetryBackoff, err = durationFromEnv("LLM_RETRY_BACKOFF", cfg.LLMRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxRetries, err = intFromEnv("LLM_MAX_RETRIES", cfg.LLMMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxToolRounds, err = intFromEnv("LLM_MAX_TOOL_ROUNDS", cfg.LLMMaxToolRounds)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryExtractionInterval, err = durationFromEnv("MEMORY_EXTRACTION_INTERVAL", cfg.MemoryExtractionInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySchemaCacheTTL, err = durationFromEnv("MEMORY_SCHEMA_CACHE_TTL", cfg.MemorySchemaCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryConfidenceFloor, err = floatFromEnv("MEMORY_CONFIDENCE_FLOOR", cfg.MemoryConfidenceFloor)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryConfidenceDelta, err = floatFromEnv("MEMORY_CONFIDENCE_DELTA", cfg.MemoryConfidenceDelta)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolWebhookTimeout, err = durationFromEnv("TOOL_WEBHOOK_TIMEOUT", cfg.ToolWebhookTimeout)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.LLMRetryBackoff < 0 {
		return fmt.Errorf("LLM_RETRY_BACKOFF must be >= 0")
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("LLM_MAX_RETRIES must be >= 0")
	}
	if c.LLMMaxToolRounds <= 0 {
		return fmt.Errorf("LLM_MAX_TOOL_ROUNDS must be positive")
	}
	if c.MemoryExtractionInterval <= 0 {
		return fmt.Errorf("MEMORY_EXTRACTION_INTERVAL must be positive")
	}
	if c.MemorySchemaCacheTTL <= 0 {
		return fmt.Errorf("MEMORY_SCHEMA_CACHE_TTL must be positive")
	}
	if c.MemoryConfidenceFloor < 0 || c.MemoryConfidenceFloor > 1 {
		return fmt.Errorf("MEMORY_CONFIDENCE_FLOOR must be within [0,1]")
	}
	if c.MemoryConfidenceDelta < 0 || c.MemoryConfidenceDelta > 1 {
		return fmt.Errorf("MEMORY_CONFIDENCE_DELTA must be within [0,1]")
	}
	if c.ToolWebhookTimeout <= 0 {
		return fmt.Errorf("TOOL_WEBHOOK_TIMEOUT must be positive")
	}
	return nil
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
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
