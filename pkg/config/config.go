// Package config loads the environment-level configuration shared by the
// server and runtime binaries. A .env file is honoured when present;
// process environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds every knob the dispatch subsystem consumes.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// RuntimeID identifies this process; AgentID is the agent identity a
	// runtime binds its consumer loop to.
	RuntimeID string
	AgentID   string

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration

	DefaultTaskTimeoutMS int64
	DefaultMaxRetries    int

	HTTPAddr    string
	MetricsAddr string
	APIKey      string

	// ResultRetention bounds how long settled records and audit entries
	// are kept.
	ResultRetention time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RuntimeID:            getEnv("RUNTIME_ID", uuid.New().String()),
		AgentID:              os.Getenv("AGENT_ID"),
		HeartbeatInterval:    getEnvMillis("HEARTBEAT_INTERVAL_MS", 5000),
		LivenessWindow:       getEnvMillis("LIVENESS_WINDOW_MS", 30000),
		DefaultTaskTimeoutMS: int64(getEnvInt("DEFAULT_TASK_TIMEOUT_MS", 300000)),
		DefaultMaxRetries:    getEnvInt("DEFAULT_MAX_RETRIES", 3),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8081"),
		MetricsAddr:          getEnv("METRICS_ADDR", ":8080"),
		APIKey:               os.Getenv("API_KEY"),
		ResultRetention:      getEnvMillis("RESULT_RETENTION_MS", int(24*time.Hour/time.Millisecond)),
	}

	if c.LivenessWindow <= c.HeartbeatInterval {
		return nil, fmt.Errorf("config: liveness window (%s) must exceed heartbeat interval (%s)",
			c.LivenessWindow, c.HeartbeatInterval)
	}
	return c, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
