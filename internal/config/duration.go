package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TickDuration is one server tick.
const TickDuration = 50 * time.Millisecond

// parseDuration accepts Go durations ("2.5s"), server ticks ("40t") and bare
// numbers, which are seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "t"); ok {
		ticks, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad tick count %q", n)
		}
		return time.Duration(ticks) * TickDuration, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ParseDurationField parses raw for the config key at path. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
