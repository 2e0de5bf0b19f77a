package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// Config selects the level and the sinks. With no sink enabled, output goes
// to the console.
type Config struct {
	Level   string
	Console bool
	// JSON writes console output as JSON lines instead of the pretty format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const DefaultFilePath = "./chestnut.log"

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// ParseLevel maps a level name to a Level. The empty string is info.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "", "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

func levelOr(s string, def Level) Level {
	if strings.TrimSpace(s) == "" {
		return def
	}
	if l, ok := ParseLevel(s); ok {
		return l
	}
	return def
}

func (c Config) filePath() string {
	if p := strings.TrimSpace(c.File.Path); p != "" {
		return p
	}
	return DefaultFilePath
}
