package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chestnut/pkg/logx"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte("webhook_url: https://example.com/hook\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.TestPrefixValue() != DefaultTestPrefix {
		t.Fatalf("test prefix: %q", cfg.TestPrefixValue())
	}
	if !cfg.TestCommandEnabled() {
		t.Fatalf("test command should default to enabled")
	}
	if cfg.GlobalRateLimit() != DefaultGlobalRateLimit {
		t.Fatalf("global limit: %d", cfg.GlobalRateLimit())
	}
	if cfg.DebounceTicks() != DefaultDebounceTicks {
		t.Fatalf("debounce: %d", cfg.DebounceTicks())
	}
	if c, err := cfg.EmbedColorValue(); err != nil || c != DefaultEmbedColor {
		t.Fatalf("color: %x %v", c, err)
	}
	if cfg.EmbedFooterValue() != DefaultEmbedFooter {
		t.Fatalf("footer: %q", cfg.EmbedFooterValue())
	}
	st := cfg.StorageConfig()
	if st.Driver != "yaml" || st.Path != DefaultStoragePath || st.Autosave != DefaultAutosave {
		t.Fatalf("storage defaults: %+v", st)
	}
}

func TestDecodeExplicitZeroes(t *testing.T) {
	cfg, err := Decode("c.yml", []byte(`
test_prefix: ""
enable_test_command: false
global_rate_limit_per_minute: 0
default_debounce_ticks: 0
embed_footer: ""
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.TestPrefixValue() != "" || cfg.TestCommandEnabled() || cfg.DebounceTicks() != 0 || cfg.EmbedFooterValue() != "" {
		t.Fatalf("explicit zero values not honored: %+v", cfg)
	}
	if cfg.GlobalRateLimit() != 1 {
		t.Fatalf("global limit should be coerced to 1, got %d", cfg.GlobalRateLimit())
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("webhook: x\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := Decode("c.json", []byte(`{"debug":true}{"debug":false}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestDecodeFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"c.json", `{"debug": true, "storage": {"driver": "sqlite"}}`},
		{"c.jsonc", "{\n  // comment\n  \"debug\": true,\n  \"storage\": {\"driver\": \"sqlite\",},\n}"},
		{"c.toml", "debug = true\n\n[storage]\ndriver = \"sqlite\"\n"},
		{"c.yaml", "debug: true\nstorage:\n  driver: sqlite\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode(tc.name, []byte(tc.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !cfg.Debug {
				t.Fatalf("debug not set")
			}
			st := cfg.StorageConfig()
			if st.Driver != "sqlite" || st.Path != "./chestnut.db" {
				t.Fatalf("storage: %+v", st)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.WebhookURL != "" {
		t.Fatalf("unexpected webhook")
	}
}

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"#FF0000", 0xFF0000, true},
		{"0x00ff00", 0x00FF00, true},
		{"ffcc00", 0xFFCC00, true},
		{"#0xABCDEF", 0xABCDEF, true},
		{"123456789", 123456789, true},
		{"FFFFFFFF", -1, true},
		{"nope", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseColor(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseColor(%q) err=%v", tc.in, err)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ParseColor(%q)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestEmbedColorValue(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("embed_color: 255\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, err := cfg.EmbedColorValue(); err != nil || c != 255 {
		t.Fatalf("numeric color: %d %v", c, err)
	}

	cfg, err = Decode("c.yaml", []byte("embed_color: \"#00FF00\"\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, _ := cfg.EmbedColorValue(); c != 0x00FF00 {
		t.Fatalf("string color: %x", c)
	}

	cfg, err = Decode("c.yaml", []byte("embed_color: purple\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c, err := cfg.EmbedColorValue()
	if err == nil || c != DefaultEmbedColor {
		t.Fatalf("invalid color should fall back with error, got %x %v", c, err)
	}
}

func TestEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "webhook_url: https://example.com/a\nlogging:\n  level: info\n")

	m := NewConfigManager(path)
	m.SetEnvironment(map[string]string{
		"CHESTNUT_WEBHOOK_URL": "https://example.com/b",
		"CHESTNUT_DEBUG":       "true",
		"CHESTNUT_LOG_LEVEL":   "warn",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebhookURL != "https://example.com/b" || !cfg.Debug || cfg.Logging.Level != "warn" {
		t.Fatalf("overlay not applied: %+v", cfg)
	}

	m.SetEnvironment(map[string]string{"CHESTNUT_DEBUG": "maybe"})
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected invalid bool error")
	}

	m.SetEnvironment(map[string]string{})
	cfg, err = m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.WebhookURL != "https://example.com/a" || cfg.Debug {
		t.Fatalf("empty environment changed values: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	ok := &Config{WebhookURL: "https://discord.com/api/webhooks/1/x"}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]*Config{
		"webhook scheme": {WebhookURL: "ftp://example.com"},
		"level":          {Logging: LoggingConfig{Level: "loud"}},
		"file path":      {Logging: LoggingConfig{File: LoggingFile{Enabled: true}}},
		"driver":         {Storage: &StorageConfig{Driver: "mongo"}},
		"autosave":       {Storage: &StorageConfig{Autosave: "whenever"}},
		"timeout":        {Delivery: &DeliveryConfig{HTTPTimeout: "soon"}},
		"admin":          {Admin: &AdminConfig{Enabled: true, Addr: "0.0.0.0:8765"}},
	}
	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	withToken := &Config{Admin: &AdminConfig{Enabled: true, Addr: "0.0.0.0:8765", Token: "s"}}
	if err := Validate(withToken); err != nil {
		t.Fatalf("token should allow non-loopback admin: %v", err)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for _, h := range []string{"127.0.0.1", "localhost", "::1", "[::1]"} {
		if !IsLoopbackHost(h) {
			t.Fatalf("%q should be loopback", h)
		}
	}
	for _, h := range []string{"", "0.0.0.0", "10.0.0.1", "example.com"} {
		if IsLoopbackHost(h) {
			t.Fatalf("%q should not be loopback", h)
		}
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "debug: false\n")

	m := NewConfigManager(path)
	m.SetEnvironment(map[string]string{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	writeFile(t, path, "debug: true\n")
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload: changed=%v err=%v", changed, err)
	}
	select {
	case cfg := <-ch:
		if !cfg.Debug {
			t.Fatalf("published stale config")
		}
	default:
		t.Fatalf("no config published")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	writeFile(t, path, "debug: false\n")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected validator rejection")
	}
	if !m.Get().Debug {
		t.Fatalf("rejected config must not be committed")
	}

	writeFile(t, path, "debug: [\n")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
	if !m.Get().Debug {
		t.Fatalf("broken file must keep previous config")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "debug: false\n")

	m := NewConfigManager(path)
	m.SetEnvironment(map[string]string{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if !cfg.Debug {
				t.Fatalf("unexpected config: %+v", cfg)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and notices.
			writeFile(t, path, "debug: true\n")
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{WebhookURL: "https://example.com/old-secret"}
	newCfg := &Config{
		WebhookURL: "https://example.com/new-secret",
		Admin:      &AdminConfig{Enabled: true, Token: "tok-secret"},
		Debug:      true,
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"webhook": true, "admin": true, "debug": true}
	if len(changed) != len(want) {
		t.Fatalf("changed=%v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config reloaded", attrs...)
	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, `"admin.token_set":true`) {
		t.Fatalf("missing token_set attr: %s", out)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "1.5s", time.Second)
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("parse: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestParseDurationForms(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"40t", 2 * time.Second},
		{"0t", 0},
		{"2.5", 2500 * time.Millisecond},
		{"750ms", 750 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("delivery.drain_timeout", tc.raw)
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v err %v, want %v", tc.raw, got, err, tc.want)
		}
	}
	for _, bad := range []string{"1.5t", "soon", "-3t"} {
		if _, err := ParseDurationField("x", bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestFingerprintTracksEffectiveConfig(t *testing.T) {
	a, err := Decode("c.yaml", []byte("webhook_url: https://example.com/a\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode("c.json", []byte(`{"webhook_url":"https://example.com/a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if Fingerprint(a) == "" || Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("same content in different formats: %q vs %q", Fingerprint(a), Fingerprint(b))
	}
	if err := applyEnv(b, map[string]string{"CHESTNUT_WEBHOOK_URL": "https://example.com/b"}); err != nil {
		t.Fatal(err)
	}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("env override should change the fingerprint")
	}
	if strings.Contains(Fingerprint(b), "example") || len(Fingerprint(b)) != 12 {
		t.Fatalf("fingerprint = %q", Fingerprint(b))
	}
}
