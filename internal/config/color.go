package config

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var hexColor = regexp.MustCompile(`^[0-9A-Fa-f]{1,8}$`)

// ParseColor accepts "#RRGGBB", "0xRRGGBB", bare hex (up to 8 digits, so
// ARGB works too) and falls back to a decimal integer.
func ParseColor(s string) (int, error) {
	s0 := strings.TrimSpace(s)
	if s0 == "" {
		return 0, fmt.Errorf("empty color")
	}
	h := strings.TrimPrefix(s0, "#")
	if len(h) > 2 && strings.EqualFold(h[:2], "0x") {
		h = h[2:]
	}
	if hexColor.MatchString(h) {
		v, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid color %q: %w", s, err)
		}
		return int(int32(uint32(v))), nil
	}
	v, err := strconv.ParseInt(s0, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q", s)
	}
	return int(v), nil
}

func parseColorJSON(raw json.RawMessage) (int, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("invalid embed_color: %w", err)
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt32 || x < math.MinInt32 {
			return 0, fmt.Errorf("invalid embed_color %v", x)
		}
		return int(x), nil
	case string:
		return ParseColor(x)
	default:
		return 0, fmt.Errorf("invalid embed_color %s", string(raw))
	}
}
