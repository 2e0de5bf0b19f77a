package config

import (
	"bytes"
	"strings"

	"chestnut/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. The webhook URL and admin token are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.WebhookURL) != strings.TrimSpace(newCfg.WebhookURL) {
		changed = append(changed, "webhook")
		attrs = append(attrs, logx.Bool("webhook.set", strings.TrimSpace(newCfg.WebhookURL) != ""))
	}

	if oldCfg.TestPrefixValue() != newCfg.TestPrefixValue() ||
		oldCfg.TestCommandEnabled() != newCfg.TestCommandEnabled() ||
		oldCfg.EmbedFooterValue() != newCfg.EmbedFooterValue() ||
		!bytes.Equal(bytes.TrimSpace(oldCfg.EmbedColor), bytes.TrimSpace(newCfg.EmbedColor)) {
		changed = append(changed, "messages")
		color, _ := newCfg.EmbedColorValue()
		attrs = append(attrs,
			logx.Bool("messages.test_command", newCfg.TestCommandEnabled()),
			logx.Int("messages.embed_color", color),
		)
	}

	if oldCfg.GlobalRateLimit() != newCfg.GlobalRateLimit() || oldCfg.DebounceTicks() != newCfg.DebounceTicks() {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.global_per_minute", newCfg.GlobalRateLimit()),
			logx.Int("limits.default_debounce_ticks", newCfg.DebounceTicks()),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Bool("debug", newCfg.Debug))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.StorageConfig() != newCfg.StorageConfig() {
		changed = append(changed, "storage")
		st := newCfg.StorageConfig()
		attrs = append(attrs,
			logx.String("storage.driver", st.Driver),
			logx.String("storage.autosave", st.Autosave),
		)
	}

	if oldCfg.DeliveryConfig() != newCfg.DeliveryConfig() {
		changed = append(changed, "delivery")
		dc := newCfg.DeliveryConfig()
		attrs = append(attrs,
			logx.String("delivery.http_timeout", dc.HTTPTimeout),
			logx.String("delivery.drain_timeout", dc.DrainTimeout),
		)
	}

	oa, na := oldCfg.AdminConfig(), newCfg.AdminConfig()
	if oa.Enabled != na.Enabled || oa.Addr != na.Addr || oa.AllowInsecure != na.AllowInsecure ||
		(strings.TrimSpace(oa.Token) != "") != (strings.TrimSpace(na.Token) != "") {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", na.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
		)
	}

	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect on restart.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.StorageConfig() != newCfg.StorageConfig() {
		out = append(out, "storage")
	}
	if oldCfg.AdminConfig() != newCfg.AdminConfig() {
		out = append(out, "admin")
	}
	return out
}

// LogConfig maps the logging section onto the logger configuration.
func (c *Config) LogConfig() logx.Config {
	level := c.Logging.Level
	if c.Debug && (level == "" || strings.EqualFold(level, "info")) {
		level = "debug"
	}
	return logx.Config{
		Level:   level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}
