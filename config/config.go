// Package config provides runtime configuration for storefront sync
// clients, collected from environment variables with sensible defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the knobs a deployment can tune.
type Config struct {
	// ChannelURL is the base URL of the backend's realtime surface.
	ChannelURL string

	// CartStorePath is the SQLite file for persisted optimistic cart
	// state. Empty disables local persistence.
	CartStorePath string

	// ConfirmTimeout bounds the wait for a change event after a write
	// acknowledgment.
	ConfirmTimeout time.Duration

	// BackoffInitial and BackoffMax bound channel reconnect delays.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// BackoffMultiplier is the reconnect delay growth factor.
	BackoffMultiplier float64
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatenv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durenvms(key string, defMs int) time.Duration {
	return time.Duration(atoienv(key, defMs)) * time.Millisecond
}

// Load collects configuration from the environment.
func Load() Config {
	return Config{
		ChannelURL:        getenv("CHANNEL_URL", "ws://localhost:8080/realtime"),
		CartStorePath:     getenv("CART_STORE_PATH", ""),
		ConfirmTimeout:    durenvms("CONFIRM_TIMEOUT_MS", 10_000),
		BackoffInitial:    durenvms("BACKOFF_INITIAL_MS", 1_000),
		BackoffMax:        durenvms("BACKOFF_MAX_MS", 30_000),
		BackoffMultiplier: floatenv("BACKOFF_MULTIPLIER", 2.0),
	}
}
