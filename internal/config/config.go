package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the liveness check service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// EngagementDelay is the fixed wait between challenge issuance and the
	// evidence capture.
	EngagementDelay time.Duration

	VerifierProvider string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Frame ceilings applied to camera frames pushed by the client. The
	// reference capture is 1280x720 JPEG at quality ~0.8.
	MaxFrameBytes  int
	MaxFrameWidth  int
	MaxFrameHeight int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "livegate"),
		AllowAnyOrigin:           false,
		EngagementDelay:          4 * time.Second,
		VerifierProvider:         envOrDefault("VERIFIER_PROVIDER", "auto"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:              envOrDefault("OPENAI_MODEL", "gpt-4o"),
		MaxFrameBytes:            4 << 20,
		MaxFrameWidth:            1920,
		MaxFrameHeight:           1080,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngagementDelay, err = durationFromEnv("APP_ENGAGEMENT_DELAY", cfg.EngagementDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFrameBytes, err = intFromEnv("APP_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFrameWidth, err = intFromEnv("APP_MAX_FRAME_WIDTH", cfg.MaxFrameWidth)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFrameHeight, err = intFromEnv("APP_MAX_FRAME_HEIGHT", cfg.MaxFrameHeight)
	if err != nil {
		return Config{}, err
	}

	if cfg.EngagementDelay < 500*time.Millisecond {
		return Config{}, fmt.Errorf("APP_ENGAGEMENT_DELAY must be at least 500ms")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_FRAME_BYTES must be positive")
	}
	if cfg.MaxFrameWidth <= 0 || cfg.MaxFrameHeight <= 0 {
		return Config{}, fmt.Errorf("frame dimension ceilings must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.VerifierProvider)) {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("invalid VERIFIER_PROVIDER: %q (expected auto|openai|mock)", cfg.VerifierProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
