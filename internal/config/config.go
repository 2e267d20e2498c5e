package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	BackendURL   string
	RealtimeURL  string
	AssistantURL string
	APIKey       string
	TokenSecret  string
	TokenExpiry  time.Duration
	HistoryFile  string
	HistoryLimit int
	RoomID       string
	UserID       string
	Username     string
	Local        bool
}

func Load(local bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "1h"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BackendURL:   getEnv("BACKEND_URL", "http://localhost:8000"),
		RealtimeURL:  getEnv("REALTIME_URL", "ws://localhost:8000/realtime/v1"),
		AssistantURL: os.Getenv("ASSISTANT_URL"),
		APIKey:       os.Getenv("BACKEND_API_KEY"),
		TokenSecret:  os.Getenv("TOKEN_SECRET"),
		TokenExpiry:  tokenExpiry,
		HistoryFile:  getEnv("KRUZHOK_HISTORY", "kruzhok.db"),
		HistoryLimit: 100,
		RoomID:       os.Getenv("ROOM_ID"),
		UserID:       os.Getenv("USER_ID"),
		Username:     getEnv("USERNAME", "anonymous"),
		Local:        local,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Local {
		return nil
	}

	if c.APIKey == "" {
		return fmt.Errorf("BACKEND_API_KEY is required")
	}

	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
