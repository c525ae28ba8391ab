// Package config loads and validates all runtime configuration.
// Settings are environment-first (.env via godotenv in main); the connector
// provider registry additionally loads from a YAML file in the config dir.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object built once at startup and
// passed explicitly to every component. There is no global settings state.
type Config struct {
	// AppEnv is the deployment environment: dev, staging, prod.
	AppEnv string

	HTTPPort           string
	CORSAllowedOrigins string

	// RedisURL is the broker connection string.
	RedisURL string

	Queue     *QueueConfig
	Auth      *AuthConfig
	Storage   *StorageConfig
	Connector *ConnectorConfig
	Providers *ProviderConfig
}

// IsProd reports whether the process runs in a production environment.
func (c *Config) IsProd() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "prod" || env == "production"
}

// Load builds the full configuration from the environment. configDir points
// at the directory holding connectors.yaml (optional).
func Load(configDir string) (*Config, error) {
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Queue:              loadQueueConfig(),
		Auth:               loadAuthConfig(),
		Storage:            loadStorageConfig(),
		Providers:          loadProviderConfig(),
	}

	conn, err := loadConnectorConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("connector config: %w", err)
	}
	cfg.Connector = conn

	return cfg, nil
}

// ProviderConfig selects the pluggable providers at startup. No reflection:
// each name maps to a concrete constructor in main.
type ProviderConfig struct {
	// STT is the speech-to-text provider: mock, http.
	STT string
	// LLM is the enhancement/analytics provider: mock, openai_compat.
	LLM string
	// Delivery is the report delivery provider: mock, smtp.
	Delivery string

	STTBaseURL string
	STTToken   string

	LLMBaseURL string
	LLMToken   string
	LLMModel   string

	SMTPAddr string
	SMTPFrom string

	// PIIMaskingEnabled turns on the regex masking pass before enhancement.
	PIIMaskingEnabled bool
}

func loadProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		STT:               getEnv("STT_PROVIDER", "mock"),
		LLM:               getEnv("LLM_PROVIDER", "mock"),
		Delivery:          getEnv("DELIVERY_PROVIDER", "mock"),
		STTBaseURL:        getEnv("STT_API_BASE", ""),
		STTToken:          getEnv("STT_API_TOKEN", ""),
		LLMBaseURL:        getEnv("LLM_API_BASE", ""),
		LLMToken:          getEnv("LLM_API_TOKEN", ""),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		SMTPAddr:          getEnv("SMTP_ADDR", ""),
		SMTPFrom:          getEnv("SMTP_FROM", ""),
		PIIMaskingEnabled: getBool("PII_MASKING_ENABLED", false),
	}
}

// StorageConfig selects the blob storage backing.
type StorageConfig struct {
	// Mode is local or shared_fs. Production requires shared_fs.
	Mode string
	// BasePath is the filesystem root for blob keys.
	BasePath string
}

func loadStorageConfig() *StorageConfig {
	return &StorageConfig{
		Mode:     getEnv("STORAGE_MODE", "local"),
		BasePath: getEnv("STORAGE_BASE_PATH", "./data/blobs"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// getSeconds reads an integer number of seconds as a time.Duration.
func getSeconds(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}

// splitCSV parses a comma-separated env value into trimmed non-empty items.
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
