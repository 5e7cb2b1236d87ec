// Package config loads gateway settings from the environment and the policy
// definition from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the gateway's runtime configuration. All knobs come from the
// environment; only the policy definition lives in a file.
type Config struct {
	// Port the HTTP listener binds.
	Port int
	// ProxyAPIKey is the static key clients must present. Empty disables it.
	ProxyAPIKey string
	// AuthSecret signs gateway-issued API keys. Empty disables them.
	AuthSecret string

	// UpstreamBaseURL is the OpenAI-compatible endpoint requests go to.
	UpstreamBaseURL string
	// UpstreamAPIKey authenticates against the upstream.
	UpstreamAPIKey string

	// DatabaseURL enables the durable event sink (postgres:// or a sqlite path).
	DatabaseURL string
	// RedisURL enables the live activity sink.
	RedisURL string
	// OTELEndpoint enables trace export when set.
	OTELEndpoint string

	// PolicyConfig is the path of the policy YAML file. Empty selects the
	// pass-through policy.
	PolicyConfig string

	// MaxRequestSize caps inbound body bytes.
	MaxRequestSize int64
	// PolicyTimeout is the hook inactivity window.
	PolicyTimeout time.Duration
	// QueueSize bounds the streaming pipeline channels.
	QueueSize int
	// SSEWriteTimeout bounds each frame write toward the client.
	SSEWriteTimeout time.Duration
	// RecorderMaxChunks caps the per-side recorder buffers.
	RecorderMaxChunks int

	// LogLevel is a logrus level name.
	LogLevel string
	// LogFile enables rotated file logging when set.
	LogFile string
}

// Load reads the configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              8787,
		UpstreamBaseURL:   "https://api.openai.com/v1",
		MaxRequestSize:    10 * 1024 * 1024,
		PolicyTimeout:     30 * time.Second,
		QueueSize:         10000,
		SSEWriteTimeout:   30 * time.Second,
		RecorderMaxChunks: 10000,
		LogLevel:          "info",
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.ProxyAPIKey = os.Getenv("PROXY_API_KEY")
	cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	cfg.UpstreamAPIKey = os.Getenv("UPSTREAM_API_KEY")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.OTELEndpoint = os.Getenv("OTEL_ENDPOINT")
	cfg.PolicyConfig = os.Getenv("POLICY_CONFIG")

	if size, err := intEnv("MAX_REQUEST_SIZE", int(cfg.MaxRequestSize)); err != nil {
		return nil, err
	} else {
		cfg.MaxRequestSize = int64(size)
	}
	if secs, err := intEnv("POLICY_TIMEOUT_SECONDS", int(cfg.PolicyTimeout/time.Second)); err != nil {
		return nil, err
	} else {
		cfg.PolicyTimeout = time.Duration(secs) * time.Second
	}
	if cfg.QueueSize, err = intEnv("QUEUE_SIZE", cfg.QueueSize); err != nil {
		return nil, err
	}
	if secs, err := intEnv("SSE_WRITE_TIMEOUT_SECONDS", int(cfg.SSEWriteTimeout/time.Second)); err != nil {
		return nil, err
	} else {
		cfg.SSEWriteTimeout = time.Duration(secs) * time.Second
	}
	if cfg.RecorderMaxChunks, err = intEnv("RECORDER_MAX_CHUNKS", cfg.RecorderMaxChunks); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}
