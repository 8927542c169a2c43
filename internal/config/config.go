// internal/config/config.go
package config

import (
	"os"
	"strconv"
)

// Config collects the environment the server needs beyond the DB_* values
// read by internal/db.
type Config struct {
	Port    string
	BaseURL string // public base for tracking pixel / click redirect URLs

	AMQPURL string // empty disables event publishing

	GraphEndpoint string // Microsoft Graph API root
	TokenEndpoint string // OAuth token endpoint used for refresh
	ClientID      string
	ClientSecret  string

	MaxSendsPerMinute  int
	MinSendIntervalMin float64
	BounceCheckSpec    string // cron spec for the periodic bounce sweep
}

func Load() Config {
	return Config{
		Port:               getenv("PORT", "8080"),
		BaseURL:            getenv("BASE_URL", "http://localhost:8080"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		GraphEndpoint:      getenv("GRAPH_ENDPOINT", "https://graph.microsoft.com/v1.0"),
		TokenEndpoint:      os.Getenv("TOKEN_ENDPOINT"),
		ClientID:           os.Getenv("CLIENT_ID"),
		ClientSecret:       os.Getenv("CLIENT_SECRET"),
		MaxSendsPerMinute:  getenvInt("MAX_SENDS_PER_MINUTE", 30),
		MinSendIntervalMin: getenvFloat("MIN_SEND_INTERVAL_MINUTES", 1.0),
		BounceCheckSpec:    getenv("BOUNCE_CHECK_SPEC", "@every 1h"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
