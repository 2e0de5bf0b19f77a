package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverlay lists the settings that may be overridden from the environment.
// Unset variables leave the file value alone.
type envOverlay struct {
	WebhookURL string `env:"CHESTNUT_WEBHOOK_URL"`
	Debug      string `env:"CHESTNUT_DEBUG"`
	LogLevel   string `env:"CHESTNUT_LOG_LEVEL"`
}

// applyEnv overlays environment overrides onto cfg. A nil environ reads the
// process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var ov envOverlay
	if err := env.ParseWithOptions(&ov, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if s := strings.TrimSpace(ov.WebhookURL); s != "" {
		cfg.WebhookURL = s
	}
	if s := strings.TrimSpace(ov.Debug); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("CHESTNUT_DEBUG: invalid bool %q", s)
		}
		cfg.Debug = b
	}
	if s := strings.TrimSpace(ov.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	return nil
}
