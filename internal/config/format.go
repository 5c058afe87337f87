package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceJSON returns the config bytes as JSON. A .yaml/.yml path is decoded
// and re-encoded, so a single strict JSON decoder (DisallowUnknownFields)
// validates both formats; anything else passes through untouched.
func coerceJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites every map key to a string. YAML allows non-string
// keys, which json.Marshal refuses.
func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, inner := range x {
			x[k] = stringifyKeys(inner)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, inner := range x {
			m[fmt.Sprint(k)] = stringifyKeys(inner)
		}
		return m
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return v
	}
}
