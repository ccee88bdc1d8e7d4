// Package config provides YAML-based configuration loading for Atlas.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Atlas configuration, loaded from atlas.yaml.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Poll      PollConfig      `yaml:"poll"`
	Push      PushConfig      `yaml:"push"`
	Journal   JournalConfig   `yaml:"journal"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

// BackendConfig locates the intelligence API.
type BackendConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request timeout for non-streaming calls.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSec) * time.Second
}

// PollConfig holds cron specs for each periodic refresh. The value "off"
// disables that poll.
type PollConfig struct {
	Snapshot        string `yaml:"snapshot"`
	LiveMetrics     string `yaml:"live_metrics"`
	HeartbeatStatus string `yaml:"heartbeat_status"`
}

// PushConfig controls the server-push subscription.
type PushConfig struct {
	Enabled       *bool `yaml:"enabled"`
	BaseBackoffMs int   `yaml:"base_backoff_ms"`
	MaxBackoffMs  int   `yaml:"max_backoff_ms"`
}

// IsEnabled defaults to true when unset.
func (p PushConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// JournalConfig selects the store for the draft action journal.
type JournalConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DashboardConfig configures the local view API.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// RelayConfig forwards urgent cards to a chat platform.
type RelayConfig struct {
	Platform   string             `yaml:"platform"` // "", slack, discord
	MinUrgency string             `yaml:"min_urgency"`
	Slack      PlatformCredential `yaml:"slack"`
	Discord    PlatformCredential `yaml:"discord"`
}

// PlatformCredential holds a bot token and target channel.
type PlatformCredential struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
	Mention   bool   `yaml:"mention"` // @here on batches with a critical card
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default poll cadence.
const (
	DefaultSnapshotSpec        = "@every 2m"
	DefaultLiveMetricsSpec     = "@every 30s"
	DefaultHeartbeatStatusSpec = "@every 60s"
)

// PollOff disables a periodic refresh.
const PollOff = "off"

// specParser accepts descriptors (@every 30s) and 5-field cron expressions.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a poll spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return specParser.Parse(spec)
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 15
	}
	if c.Poll.Snapshot == "" {
		c.Poll.Snapshot = DefaultSnapshotSpec
	}
	if c.Poll.LiveMetrics == "" {
		c.Poll.LiveMetrics = DefaultLiveMetricsSpec
	}
	if c.Poll.HeartbeatStatus == "" {
		c.Poll.HeartbeatStatus = DefaultHeartbeatStatusSpec
	}
	if c.Push.BaseBackoffMs == 0 {
		c.Push.BaseBackoffMs = 1000
	}
	if c.Push.MaxBackoffMs == 0 {
		c.Push.MaxBackoffMs = 60000
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.Driver == "sqlite" && c.Journal.Path == "" {
		c.Journal.Path = "atlas.db"
	}
	if c.Journal.Driver == "mysql" {
		if c.Journal.Host == "" {
			c.Journal.Host = "127.0.0.1"
		}
		if c.Journal.Port == 0 {
			c.Journal.Port = 3306
		}
		if c.Journal.User == "" {
			c.Journal.User = "root"
		}
		if c.Journal.Database == "" {
			c.Journal.Database = "atlas"
		}
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8090
	}
	if c.Relay.MinUrgency == "" {
		c.Relay.MinUrgency = "critical"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL))
	}
	if c.Backend.TimeoutSec < 0 {
		errs = append(errs, "backend.timeout_sec must be positive")
	}
	for name, spec := range map[string]string{
		"poll.snapshot":         c.Poll.Snapshot,
		"poll.live_metrics":     c.Poll.LiveMetrics,
		"poll.heartbeat_status": c.Poll.HeartbeatStatus,
	} {
		if spec == PollOff {
			continue
		}
		if _, err := specParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid schedule %q: %v", name, spec, err))
		}
	}
	if c.Push.MaxBackoffMs < c.Push.BaseBackoffMs {
		errs = append(errs, "push.max_backoff_ms must be >= push.base_backoff_ms")
	}
	switch c.Journal.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("journal.driver %q is not supported (sqlite, mysql)", c.Journal.Driver))
	}
	switch c.Relay.Platform {
	case "":
	case "slack":
		if c.Relay.Slack.BotToken == "" {
			errs = append(errs, "relay.slack.bot_token is required")
		}
		if c.Relay.Slack.ChannelID == "" {
			errs = append(errs, "relay.slack.channel_id is required")
		}
	case "discord":
		if c.Relay.Discord.BotToken == "" {
			errs = append(errs, "relay.discord.bot_token is required")
		}
		if c.Relay.Discord.ChannelID == "" {
			errs = append(errs, "relay.discord.channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q is not supported (slack, discord)", c.Relay.Platform))
	}
	switch c.Relay.MinUrgency {
	case "high", "critical":
	default:
		errs = append(errs, fmt.Sprintf("relay.min_urgency %q must be high or critical", c.Relay.MinUrgency))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
