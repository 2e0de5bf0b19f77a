package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts the config file to JSON based on its extension so
// a single strict decoder handles every format. Unknown extensions are treated as JSON.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
		}
		if v == nil {
			return []byte("{}"), "yaml", nil
		}
		j, err := json.Marshal(normalizeMapKeys(v))
		if err != nil {
			return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
		}
		return j, "yaml", nil
	case ".toml":
		var v map[string]any
		if err := toml.Unmarshal(data, &v); err != nil {
			return nil, "toml", fmt.Errorf("toml unmarshal: %w", err)
		}
		if v == nil {
			v = map[string]any{}
		}
		j, err := json.Marshal(normalizeMapKeys(v))
		if err != nil {
			return nil, "toml", fmt.Errorf("toml->json marshal: %w", err)
		}
		return j, "toml", nil
	case ".jsonc":
		return jsonc.ToJSON(data), "jsonc", nil
	default:
		return data, "json", nil
	}
}

// normalizeMapKeys ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeMapKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeMapKeys(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeMapKeys(v)
		}
		return m
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeMapKeys(x[i])
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalizeMapKeys(x[i])
		}
		return x
	default:
		return x
	}
}
