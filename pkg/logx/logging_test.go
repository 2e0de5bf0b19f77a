package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v", m["n"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("dropped")
	Nop().With(String("k", "v")).Error("dropped")
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"", LevelInfo, true},
		{"DEBUG", LevelDebug, true},
		{" warning ", LevelWarn, true},
		{"trace", LevelTrace, true},
		{"loud", LevelInfo, false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestComponentAndTrackerFields(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").With(Component("delivery")).Info("sent", Tracker("Vault"), Strs("events", []string{"open"}))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "delivery" || m["tracker"] != "Vault" {
		t.Fatalf("fields = %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "chestnut.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}, JSON: true})
	log.Debug("hidden")
	log.Info("first")

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, JSON: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	log.Debug("second")
	if !log.Enabled(LevelDebug) {
		t.Fatal("apply should lower the level")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") || !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("log file = %q", out)
	}
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	svc, _ := New(Config{Level: "error", JSON: true})
	defer svc.Close()
	if err := svc.Apply(Config{Level: "error", JSON: true, File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}}); err == nil {
		t.Fatal("expected error for a path under a regular file")
	}
	if got := svc.Config().Level; got != "error" {
		t.Fatalf("config not recorded: %q", got)
	}
}
