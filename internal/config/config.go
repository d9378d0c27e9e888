// Package config provides configuration for the gateway and agent services.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	GatewayPort int
	AgentPort   int
	AgentURL    string

	// Database (empty selects the in-memory registry)
	DatabaseURL string

	// Streaming settings
	StreamingEnabled     bool
	StreamDelay          time.Duration
	MaxConcurrentStreams int
	IdleTimeout          time.Duration
	OpenTimeout          time.Duration
	MaxMessageChars      int
	ResponseWords        int
	JoinSeparator        string

	// Logging
	LogLevel string
}

// Load loads configuration from a .env file (if present) and the
// environment. Environment variables win over .env entries.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		GatewayPort:          getEnvInt("GATEWAY_PORT", 8000),
		AgentPort:            getEnvInt("AGENT_PORT", 8010),
		AgentURL:             getEnv("AGENT_URL", "http://localhost:8010"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		StreamingEnabled:     getEnvBool("STREAMING_ENABLED", true),
		StreamDelay:          time.Duration(getEnvInt("STREAM_DELAY_MS", 100)) * time.Millisecond,
		MaxConcurrentStreams: getEnvInt("MAX_CONCURRENT_STREAMS", 32),
		IdleTimeout:          time.Duration(getEnvInt("STREAM_IDLE_TIMEOUT_MS", 30000)) * time.Millisecond,
		OpenTimeout:          time.Duration(getEnvInt("STREAM_OPEN_TIMEOUT_MS", 10000)) * time.Millisecond,
		MaxMessageChars:      getEnvInt("MAX_MESSAGE_CHARS", 4000),
		ResponseWords:        getEnvInt("RESPONSE_WORDS", 60),
		JoinSeparator:        getEnv("JOIN_SEPARATOR", " "),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
