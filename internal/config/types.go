package config

import (
	"encoding/json"
	"strings"
)

const (
	DefaultTestPrefix         = "[TEST] "
	DefaultGlobalRateLimit    = 120
	DefaultDebounceTicks      = 4
	DefaultEmbedColor         = 0xFFCC00
	DefaultEmbedFooter        = "<trigger> @ <world> <x>,<y>,<z>"
	DefaultStoragePath        = "./trackers.yml"
	DefaultAutosave           = "@every 30s"
	DefaultHTTPTimeout        = "10s"
	DefaultDrainTimeout       = "2.5s"
	DefaultAdminAddr          = "127.0.0.1:8765"
	DefaultStorageBusyTimeout = "5s"
)

// Config is the on-disk configuration. Optional scalars are pointers so an
// explicit zero value can be told apart from an omitted key.
type Config struct {
	WebhookURL string `json:"webhook_url"`

	TestPrefix        *string `json:"test_prefix,omitempty"`
	EnableTestCommand *bool   `json:"enable_test_command,omitempty"`

	// GlobalRateLimitPerMinute caps successful deliveries per minute. Values < 1 behave as 1.
	GlobalRateLimitPerMinute *int `json:"global_rate_limit_per_minute,omitempty"`
	DefaultDebounceTicks     *int `json:"default_debounce_ticks,omitempty"`

	// EmbedColor accepts a number or a "#RRGGBB" / "0xRRGGBB" / hex / decimal string.
	EmbedColor  json.RawMessage `json:"embed_color,omitempty"`
	EmbedFooter *string         `json:"embed_footer,omitempty"`

	Debug bool `json:"debug"`

	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
	Admin    *AdminConfig    `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls tracker persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chestnut.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // yaml (default) | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Autosave is a cron spec (robfig/cron syntax, descriptors allowed).
	Autosave string `json:"autosave,omitempty"`
}

// DeliveryConfig holds webhook transport settings. Durations are Go duration strings.
type DeliveryConfig struct {
	HTTPTimeout  string `json:"http_timeout,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8765").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

func (c *Config) TestPrefixValue() string {
	if c.TestPrefix == nil {
		return DefaultTestPrefix
	}
	return *c.TestPrefix
}

func (c *Config) TestCommandEnabled() bool {
	return c.EnableTestCommand == nil || *c.EnableTestCommand
}

func (c *Config) GlobalRateLimit() int {
	if c.GlobalRateLimitPerMinute == nil {
		return DefaultGlobalRateLimit
	}
	return max(1, *c.GlobalRateLimitPerMinute)
}

func (c *Config) DebounceTicks() int {
	if c.DefaultDebounceTicks == nil {
		return DefaultDebounceTicks
	}
	return max(0, *c.DefaultDebounceTicks)
}

func (c *Config) EmbedFooterValue() string {
	if c.EmbedFooter == nil {
		return DefaultEmbedFooter
	}
	return *c.EmbedFooter
}

// EmbedColorValue returns the configured color, or the default with an error
// describing why the configured value was rejected.
func (c *Config) EmbedColorValue() (int, error) {
	raw := strings.TrimSpace(string(c.EmbedColor))
	if raw == "" || raw == "null" {
		return DefaultEmbedColor, nil
	}
	v, err := parseColorJSON(c.EmbedColor)
	if err != nil {
		return DefaultEmbedColor, err
	}
	return v, nil
}

func (c *Config) StorageConfig() StorageConfig {
	var s StorageConfig
	if c.Storage != nil {
		s = *c.Storage
	}
	if strings.TrimSpace(s.Driver) == "" {
		s.Driver = "yaml"
	}
	if strings.TrimSpace(s.Path) == "" {
		switch strings.ToLower(s.Driver) {
		case "sqlite", "sqlite3":
			s.Path = "./chestnut.db"
		default:
			s.Path = DefaultStoragePath
		}
	}
	if strings.TrimSpace(s.Autosave) == "" {
		s.Autosave = DefaultAutosave
	}
	return s
}

func (c *Config) DeliveryConfig() DeliveryConfig {
	var d DeliveryConfig
	if c.Delivery != nil {
		d = *c.Delivery
	}
	if strings.TrimSpace(d.HTTPTimeout) == "" {
		d.HTTPTimeout = DefaultHTTPTimeout
	}
	if strings.TrimSpace(d.DrainTimeout) == "" {
		d.DrainTimeout = DefaultDrainTimeout
	}
	return d
}

func (c *Config) AdminConfig() AdminConfig {
	var a AdminConfig
	if c.Admin != nil {
		a = *c.Admin
	}
	if strings.TrimSpace(a.Addr) == "" {
		a.Addr = DefaultAdminAddr
	}
	return a
}
