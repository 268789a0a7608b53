package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	// LocalUserID is the user this presence daemon acts for.
	LocalUserID uuid.UUID

	// Sync tunables. ProtectionWindow bounds how long remote echoes of a
	// locally-made toggle are ignored; measure the store's read-after-write
	// latency before changing it.
	ProtectionWindow   time.Duration
	StaleThreshold     time.Duration
	HeartbeatInterval  time.Duration
	CoalesceInterval   time.Duration
	ResubscribeMaxWait time.Duration
	FriendPollInterval time.Duration
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	localUser := os.Getenv("LOCAL_USER_ID")
	if localUser == "" {
		return nil, errors.New("LOCAL_USER_ID is required")
	}
	id, err := uuid.Parse(localUser)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCAL_USER_ID: %w", err)
	}
	cfg.LocalUserID = id

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.ProtectionWindow, "TOGGLE_PROTECTION_WINDOW", "3s"},
		{&cfg.StaleThreshold, "STALE_THRESHOLD", "120s"},
		{&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", "30s"},
		{&cfg.CoalesceInterval, "COALESCE_INTERVAL", "1s"},
		{&cfg.ResubscribeMaxWait, "RESUBSCRIBE_MAX_BACKOFF", "30s"},
		{&cfg.FriendPollInterval, "FRIEND_POLL_INTERVAL", "30s"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s format: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
