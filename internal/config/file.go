package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML files. Zero values leave the current
// setting untouched.
type fileConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	FrontendURL string `yaml:"frontend_url"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`

	Remote struct {
		URL           string   `yaml:"url"`
		APIKey        string   `yaml:"api_key"`
		BearerToken   string   `yaml:"bearer_token"`
		ProbeTimeout  Duration `yaml:"probe_timeout"`
		ProbeCacheTTL Duration `yaml:"probe_cache_ttl"`
	} `yaml:"remote"`

	Device struct {
		Token     string `yaml:"token"`
		TokenFile string `yaml:"token_file"`
	} `yaml:"device"`

	Schedule struct {
		PollInterval      Duration `yaml:"poll_interval"`
		InitialPollDelay  Duration `yaml:"initial_poll_delay"`
		SyncInterval      Duration `yaml:"sync_interval"`
		ProbeInterval     Duration `yaml:"probe_interval"`
		TelemetryInterval Duration `yaml:"telemetry_interval"`
		CatalogGrace      Duration `yaml:"catalog_grace"`
	} `yaml:"schedule"`

	Retention struct {
		TelemetrySamples  int      `yaml:"telemetry_samples"`
		ConversationLimit int      `yaml:"conversation_limit"`
		Executions        Duration `yaml:"executions"`
	} `yaml:"retention"`

	Execution struct {
		OutputCap int      `yaml:"output_cap"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"execution"`

	Notifications *bool `yaml:"notifications"`
}

// Duration accepts Go duration strings such as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.FrontendURL, fc.FrontendURL)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.LogLevel, fc.LogLevel)

	setString(&c.Remote.URL, strings.TrimRight(fc.Remote.URL, "/"))
	setString(&c.Remote.APIKey, fc.Remote.APIKey)
	setString(&c.Remote.BearerToken, fc.Remote.BearerToken)
	setDuration(&c.Remote.ProbeTimeout, fc.Remote.ProbeTimeout)
	setDuration(&c.Remote.ProbeCacheTTL, fc.Remote.ProbeCacheTTL)

	setString(&c.Device.Token, fc.Device.Token)
	setString(&c.Device.TokenFile, fc.Device.TokenFile)

	setDuration(&c.Schedule.PollInterval, fc.Schedule.PollInterval)
	setDuration(&c.Schedule.InitialPollDelay, fc.Schedule.InitialPollDelay)
	setDuration(&c.Schedule.SyncInterval, fc.Schedule.SyncInterval)
	setDuration(&c.Schedule.ProbeInterval, fc.Schedule.ProbeInterval)
	setDuration(&c.Schedule.TelemetryInterval, fc.Schedule.TelemetryInterval)
	setDuration(&c.Schedule.CatalogGrace, fc.Schedule.CatalogGrace)

	setInt(&c.Retention.TelemetrySamples, fc.Retention.TelemetrySamples)
	setInt(&c.Retention.ConversationLimit, fc.Retention.ConversationLimit)
	setDuration(&c.Retention.Executions, fc.Retention.Executions)

	setInt(&c.Execution.OutputCap, fc.Execution.OutputCap)
	setDuration(&c.Execution.Timeout, fc.Execution.Timeout)

	if fc.Notifications != nil {
		c.NotificationsEnabled = *fc.Notifications
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
