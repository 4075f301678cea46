package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	PORT string

	DB_USERNAME string
	DB_PASSWORD string
	DB_HOST     string
	DB_PORT     string
	DB_NAME     string
	DISABLE_TLS string

	REDIS_ADDR     string
	REDIS_PASSWORD string

	// Sandbox providers
	DEFAULT_PROVIDER    string
	DOCKER_IMAGE        string
	DOCKER_NETWORK      string
	K8S_IMAGE           string
	K8S_NAMESPACE       string
	SANDBOX_DAEMON_PORT int

	// Session lifecycle
	SESSION_IDLE_TIMEOUT  time.Duration
	SESSION_TTL           time.Duration
	SWEEP_INTERVAL        time.Duration
	HEALTH_PROBE_INTERVAL time.Duration

	// Otel
	OTEL_EXPORTER_OTLP_ENDPOINT string
}

func ReadConfig() *Config {
	return &Config{
		PORT: getEnvOrDefault("PORT", "8080"),

		DB_USERNAME: os.Getenv("DB_USERNAME"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     os.Getenv("DB_PORT"),
		DB_NAME:     os.Getenv("DB_NAME"),
		DISABLE_TLS: os.Getenv("DISABLE_TLS"),

		REDIS_ADDR:     os.Getenv("REDIS_ADDR"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),

		DEFAULT_PROVIDER:    getEnvOrDefault("DEFAULT_PROVIDER", "docker"),
		DOCKER_IMAGE:        os.Getenv("DOCKER_IMAGE"),
		DOCKER_NETWORK:      getEnvOrDefault("DOCKER_NETWORK", "bridge"),
		K8S_IMAGE:           os.Getenv("K8S_IMAGE"),
		K8S_NAMESPACE:       getEnvOrDefault("K8S_NAMESPACE", "default"),
		SANDBOX_DAEMON_PORT: getEnvInt("SANDBOX_DAEMON_PORT", 8080),

		SESSION_IDLE_TIMEOUT:  getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SESSION_TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
		SWEEP_INTERVAL:        getEnvDuration("SWEEP_INTERVAL", time.Minute),
		HEALTH_PROBE_INTERVAL: getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// HasDB reports whether a postgres connection is configured. Without one
// the server falls back to the in-memory session store.
func (c *Config) HasDB() bool {
	return c.DB_HOST != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
