package app

import (
	"strings"
	"time"

	"chestnut/internal/admin"
	"chestnut/internal/config"
	"chestnut/internal/delivery"
	"chestnut/internal/dispatch"
	"chestnut/internal/store"
	"chestnut/pkg/logx"
)

// deliverySettings maps cfg onto the delivery service. An invalid embed color
// is reported once per mapping and replaced by the default.
func deliverySettings(cfg *config.Config, log logx.Logger) (delivery.Settings, error) {
	color, err := cfg.EmbedColorValue()
	if err != nil {
		log.Warn("invalid embed_color; using default", logx.Err(err), logx.Int("default", config.DefaultEmbedColor))
	}
	dc := cfg.DeliveryConfig()
	timeout, err := config.ParseDurationOrDefault("delivery.http_timeout", dc.HTTPTimeout, delivery.DefaultHTTPTimeout)
	if err != nil {
		return delivery.Settings{}, err
	}
	return delivery.Settings{
		WebhookURL:               strings.TrimSpace(cfg.WebhookURL),
		GlobalRateLimitPerMinute: cfg.GlobalRateLimit(),
		EmbedColor:               color,
		EmbedFooter:              cfg.EmbedFooterValue(),
		Debug:                    cfg.Debug,
		HTTPTimeout:              timeout,
	}, nil
}

func drainTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("delivery.drain_timeout", cfg.DeliveryConfig().DrainTimeout, delivery.DefaultDrainTimeout)
	if err != nil {
		return delivery.DefaultDrainTimeout
	}
	return d
}

func dispatchSettings(cfg *config.Config) dispatch.Settings {
	return dispatch.Settings{
		TestPrefix:         cfg.TestPrefixValue(),
		TestCommandEnabled: cfg.TestCommandEnabled(),
		EmbedFooter:        cfg.EmbedFooterValue(),
	}
}

func storeConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.StorageConfig()
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func adminConfig(cfg *config.Config) admin.Config {
	ac := cfg.AdminConfig()
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
