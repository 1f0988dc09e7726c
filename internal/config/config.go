package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the CloudVet server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Inspector InspectorConfig
	Persist   PersistConfig
	WS        WSConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type InspectorConfig struct {
	// Kind selects the scanning backend; "demo" is the built-in inspector.
	Kind string

	// Retention is how long terminal jobs stay in the in-memory registry.
	Retention     time.Duration
	SweepInterval time.Duration
}

type PersistConfig struct {
	JournalPath  string
	MaxAttempts  int
	BaseBackoff  time.Duration
	EmergencyTTL time.Duration
}

type WSConfig struct {
	HeartbeatInterval time.Duration
	CompletionGrace   time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CLOUDVET_PORT", 8080),
			Env:  envString("CLOUDVET_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Inspector: InspectorConfig{
			Kind:          envString("CLOUDVET_INSPECTOR", "demo"),
			Retention:     envDuration("CLOUDVET_JOB_RETENTION", 10*time.Minute),
			SweepInterval: envDuration("CLOUDVET_SWEEP_INTERVAL", time.Minute),
		},
		Persist: PersistConfig{
			JournalPath:  envString("CLOUDVET_JOURNAL_PATH", "cloudvet-journal.jsonl"),
			MaxAttempts:  envInt("CLOUDVET_SAVE_MAX_ATTEMPTS", 3),
			BaseBackoff:  envDuration("CLOUDVET_SAVE_BASE_BACKOFF", 200*time.Millisecond),
			EmergencyTTL: envDuration("CLOUDVET_EMERGENCY_TTL", 7*24*time.Hour),
		},
		WS: WSConfig{
			HeartbeatInterval: envDuration("CLOUDVET_WS_HEARTBEAT", 30*time.Second),
			CompletionGrace:   envDuration("CLOUDVET_WS_COMPLETION_GRACE", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Inspector.Kind != "demo" {
		return fmt.Errorf("CLOUDVET_INSPECTOR must be demo; got %q", c.Inspector.Kind)
	}
	if c.Persist.JournalPath == "" {
		return fmt.Errorf("CLOUDVET_JOURNAL_PATH must not be empty")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
