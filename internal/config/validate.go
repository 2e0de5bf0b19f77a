package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"chestnut/pkg/logx"
)

// Validate reports every structural problem in cfg. An unparseable
// embed_color is not an error here; callers fall back to the default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if s := strings.TrimSpace(cfg.WebhookURL); s != "" {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, errors.New("webhook_url: must be an absolute http(s) URL"))
		}
	}
	if cfg.DefaultDebounceTicks != nil && *cfg.DefaultDebounceTicks < 0 {
		errs = append(errs, errors.New("default_debounce_ticks: must be >= 0"))
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	st := cfg.StorageConfig()
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "yaml", "yml", "sqlite", "sqlite3", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(st.Autosave); err != nil {
		errs = append(errs, fmt.Errorf("storage.autosave: %w", err))
	}

	dc := cfg.DeliveryConfig()
	if _, err := ParseDurationField("delivery.http_timeout", dc.HTTPTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("delivery.drain_timeout", dc.DrainTimeout); err != nil {
		errs = append(errs, err)
	}

	if ac := cfg.AdminConfig(); ac.Enabled {
		host, _, err := net.SplitHostPort(ac.Addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("admin.addr: %w", err))
		} else if !IsLoopbackHost(host) && strings.TrimSpace(ac.Token) == "" && !ac.AllowInsecure {
			errs = append(errs, errors.New("admin: non-loopback addr requires token or allow_insecure"))
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host names the local machine only. An empty
// host binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
