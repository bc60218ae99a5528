// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	ListenAddr  string
	FrontendURL string
	DBPath      string
	LogLevel    string

	Remote    RemoteConfig
	Device    DeviceConfig
	Schedule  ScheduleConfig
	Retention RetentionConfig
	Execution ExecutionConfig
	Retry     RetryConfig

	NotificationsEnabled bool
}

// RemoteConfig describes the remote authority.
type RemoteConfig struct {
	URL         string
	APIKey      string
	BearerToken string
	// ProbeTimeout bounds a single reachability probe.
	ProbeTimeout time.Duration
	// ProbeCacheTTL is how long a probe result answers IsOnline without re-probing.
	ProbeCacheTTL  time.Duration
	RequestTimeout time.Duration
}

// DeviceConfig locates the opaque device token.
type DeviceConfig struct {
	Token     string
	TokenFile string
}

// ScheduleConfig holds the periodic task intervals.
type ScheduleConfig struct {
	PollInterval      time.Duration
	InitialPollDelay  time.Duration
	SyncInterval      time.Duration
	ProbeInterval     time.Duration
	TelemetryInterval time.Duration
	// CatalogGrace is how long a cached operation may be missing from the
	// remote snapshot before it is marked inactive.
	CatalogGrace time.Duration
}

// RetentionConfig bounds local history.
type RetentionConfig struct {
	TelemetrySamples  int
	ConversationLimit int
	Executions        time.Duration
}

// ExecutionConfig controls operation runs.
type ExecutionConfig struct {
	OutputCap      int
	Timeout        time.Duration
	TranscriptSize int
}

// RetryConfig controls retry behavior for SQLite conflicts.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8765",
		DBPath:     "./data/pccare.db",
		LogLevel:   "info",
		Remote: RemoteConfig{
			ProbeTimeout:   2 * time.Second,
			ProbeCacheTTL:  500 * time.Millisecond,
			RequestTimeout: 15 * time.Second,
		},
		Schedule: ScheduleConfig{
			PollInterval:      30 * time.Second,
			InitialPollDelay:  3 * time.Second,
			SyncInterval:      5 * time.Minute,
			ProbeInterval:     15 * time.Second,
			TelemetryInterval: time.Minute,
		},
		Retention: RetentionConfig{
			TelemetrySamples:  500,
			ConversationLimit: 200,
			Executions:        30 * 24 * time.Hour,
		},
		Execution: ExecutionConfig{
			OutputCap:      10000,
			Timeout:        30 * time.Minute,
			TranscriptSize: 256 * 1024,
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 100 * time.Millisecond,
		},
		NotificationsEnabled: true,
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE,
// and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Remote.URL = strings.TrimRight(getEnv("REMOTE_URL", c.Remote.URL), "/")
	c.Remote.APIKey = getEnv("REMOTE_API_KEY", c.Remote.APIKey)
	c.Remote.BearerToken = getEnv("REMOTE_BEARER_TOKEN", c.Remote.BearerToken)
	c.Remote.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", c.Remote.ProbeTimeout)
	c.Remote.ProbeCacheTTL = getEnvDuration("PROBE_CACHE_TTL", c.Remote.ProbeCacheTTL)
	c.Remote.RequestTimeout = getEnvDuration("REMOTE_REQUEST_TIMEOUT", c.Remote.RequestTimeout)

	c.Device.Token = getEnv("DEVICE_TOKEN", c.Device.Token)
	c.Device.TokenFile = getEnv("DEVICE_TOKEN_FILE", c.Device.TokenFile)

	c.Schedule.PollInterval = getEnvDuration("POLL_INTERVAL", c.Schedule.PollInterval)
	c.Schedule.InitialPollDelay = getEnvDuration("INITIAL_POLL_DELAY", c.Schedule.InitialPollDelay)
	c.Schedule.SyncInterval = getEnvDuration("SYNC_INTERVAL", c.Schedule.SyncInterval)
	c.Schedule.ProbeInterval = getEnvDuration("PROBE_INTERVAL", c.Schedule.ProbeInterval)
	c.Schedule.TelemetryInterval = getEnvDuration("TELEMETRY_INTERVAL", c.Schedule.TelemetryInterval)
	c.Schedule.CatalogGrace = getEnvDuration("CATALOG_GRACE", c.Schedule.CatalogGrace)

	c.Retention.TelemetrySamples = getEnvInt("TELEMETRY_RETENTION", c.Retention.TelemetrySamples)
	c.Retention.ConversationLimit = getEnvInt("CONVERSATION_LIMIT", c.Retention.ConversationLimit)
	c.Retention.Executions = getEnvDuration("EXECUTION_RETENTION", c.Retention.Executions)

	c.Execution.OutputCap = getEnvInt("OUTPUT_CAP", c.Execution.OutputCap)
	c.Execution.Timeout = getEnvDuration("EXECUTION_TIMEOUT", c.Execution.Timeout)

	c.Retry.DatabaseMaxRetries = getEnvInt("DB_MAX_RETRIES", c.Retry.DatabaseMaxRetries)
	c.Retry.DatabaseRetryBaseDelay = getEnvDuration("DB_RETRY_BASE_DELAY", c.Retry.DatabaseRetryBaseDelay)

	c.NotificationsEnabled = getEnvBool("NOTIFICATIONS_ENABLED", c.NotificationsEnabled)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return fmt.Errorf("REMOTE_URL must be an http(s) URL")
	}
	if c.Remote.ProbeTimeout < time.Second || c.Remote.ProbeTimeout > 3*time.Second {
		return fmt.Errorf("PROBE_TIMEOUT must be between 1s and 3s")
	}
	if c.Remote.ProbeCacheTTL < 0 || c.Remote.ProbeCacheTTL >= time.Second {
		return fmt.Errorf("PROBE_CACHE_TTL must be below 1s")
	}
	if c.Schedule.PollInterval <= 0 || c.Schedule.SyncInterval <= 0 || c.Schedule.ProbeInterval <= 0 || c.Schedule.TelemetryInterval <= 0 {
		return fmt.Errorf("schedule intervals must be > 0")
	}
	if c.Schedule.CatalogGrace < 0 {
		return fmt.Errorf("CATALOG_GRACE must be >= 0")
	}
	if c.Retention.TelemetrySamples <= 0 {
		return fmt.Errorf("TELEMETRY_RETENTION must be > 0")
	}
	if c.Retention.ConversationLimit <= 0 {
		return fmt.Errorf("CONVERSATION_LIMIT must be > 0")
	}
	if c.Execution.OutputCap <= 0 {
		return fmt.Errorf("OUTPUT_CAP must be > 0")
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be > 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RemoteEnabled returns true when a remote authority is configured.
func (c *Config) RemoteEnabled() bool {
	return c.Remote.URL != ""
}

// IsDevelopment returns true if the local UI is served from a dev origin.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the local API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// ParseLevel maps LOG_LEVEL onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
