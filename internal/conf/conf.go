// Package conf loads gateway configuration from the environment.
package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// Config represents application configuration
type Config struct {
	// Slack app configuration
	Slack SlackConfig

	// OpenAI-compatible analysis configuration (optional; the pattern
	// extractor is used when no API key is set)
	OpenAI OpenAIConfig

	// Local storage configuration
	Store StoreConfig

	// Discovery scheduler configuration
	Scheduler SchedulerConfig

	// OAuth callback configuration
	OAuth OAuthConfig

	// Rate limiter retry configuration
	Retry RetryConfig

	// Debug mode
	Debug bool
}

// SlackConfig contains the Slack app credentials seeded from the
// environment. They are optional; credentials configured at runtime
// through the connection manager take precedence.
type SlackConfig struct {
	ClientID     string
	ClientSecret string
}

// OpenAIConfig contains analysis model configuration
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// StoreConfig contains local storage configuration
type StoreConfig struct {
	DataDir string
}

// SchedulerConfig contains the scheduler defaults used until a config
// is persisted
type SchedulerConfig struct {
	Enabled      bool
	Interval     time.Duration
	StartupDelay time.Duration
}

// OAuthConfig contains the callback listener configuration
type OAuthConfig struct {
	ListenAddr  string
	RedirectURI string
}

// RetryConfig bounds the limiter's automatic retries
type RetryConfig struct {
	MaxAttempts  int
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	dataDir := os.Getenv("GATEWAY_DATA_DIR")
	if dataDir == "" {
		homeDir, _ := os.UserHomeDir()
		dataDir = filepath.Join(homeDir, ".slack-gateway")
	}

	interval := domain.DefaultScanInterval
	if val := os.Getenv("SCAN_INTERVAL_MINUTES"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			interval = time.Duration(parsed) * time.Minute
		}
	}

	startupDelay := domain.DefaultStartupDelay
	if val := os.Getenv("SCAN_STARTUP_DELAY_SECONDS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			startupDelay = time.Duration(parsed) * time.Second
		}
	}

	enabled := true
	if val := os.Getenv("SCAN_ENABLED"); val != "" {
		enabled = val == "true" || val == "1"
	}

	listenAddr := os.Getenv("OAUTH_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8756"
	}
	redirectURI := os.Getenv("OAUTH_REDIRECT_URI")
	if redirectURI == "" {
		redirectURI = "http://" + listenAddr + "/oauth/callback"
	}

	maxAttempts := 3
	if val := os.Getenv("RETRY_MAX_ATTEMPTS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	return &Config{
		Slack: SlackConfig{
			ClientID:     os.Getenv("SLACK_CLIENT_ID"),
			ClientSecret: os.Getenv("SLACK_CLIENT_SECRET"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   os.Getenv("OPENAI_MODEL"),
		},
		Store: StoreConfig{
			DataDir: dataDir,
		},
		Scheduler: SchedulerConfig{
			Enabled:      enabled,
			Interval:     interval,
			StartupDelay: startupDelay,
		},
		OAuth: OAuthConfig{
			ListenAddr:  listenAddr,
			RedirectURI: redirectURI,
		},
		Retry: RetryConfig{
			MaxAttempts:  maxAttempts,
			BackoffFloor: 5 * time.Second,
			BackoffCeil:  120 * time.Second,
		},
		Debug: os.Getenv("DEBUG") == "true",
	}
}

// ToSchedulerConfig converts to the domain scheduler configuration
func (c *SchedulerConfig) ToSchedulerConfig() domain.SchedulerConfig {
	return domain.SchedulerConfig{
		Enabled:      c.Enabled,
		Interval:     c.Interval,
		StartupDelay: c.StartupDelay,
	}.Normalize()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return &ConfigError{Field: "GATEWAY_DATA_DIR", Message: "required"}
	}
	if c.OAuth.ListenAddr == "" {
		return &ConfigError{Field: "OAUTH_LISTEN_ADDR", Message: "required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
