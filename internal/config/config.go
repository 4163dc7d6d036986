// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Addr        string
	ReadTimeout time.Duration

	// Stream settings.
	PublishInterval  time.Duration // tick cadence for the dispatcher
	Retention        time.Duration // grace period for completed-but-unacknowledged tasks
	SubscriberBuffer int           // per-subscriber delivery queue depth

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Addr:             envStr("TASKSCOPE_ADDR", "127.0.0.1:6669"),
		ReadTimeout:      envDuration("TASKSCOPE_READ_TIMEOUT", 30*time.Second),
		PublishInterval:  envDuration("TASKSCOPE_PUBLISH_INTERVAL", time.Second),
		Retention:        envDuration("TASKSCOPE_RETENTION", 10*time.Second),
		SubscriberBuffer: envInt("TASKSCOPE_SUBSCRIBER_BUFFER", 64),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "taskscope"),
		OTELInsecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:         envStr("TASKSCOPE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: TASKSCOPE_ADDR is required")
	}
	if c.PublishInterval <= 0 {
		return fmt.Errorf("config: TASKSCOPE_PUBLISH_INTERVAL must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("config: TASKSCOPE_RETENTION must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: TASKSCOPE_SUBSCRIBER_BUFFER must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
