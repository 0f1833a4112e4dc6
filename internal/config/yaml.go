package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// asStrictJSON hands back JSON bytes for either input format, so the rest of
// the loader only ever runs the strict JSON decoder (DisallowUnknownFields).
// The returned format tag is "json" or "yaml".
func asStrictJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites map keys to strings recursively; yaml can produce
// map[any]any nodes that json.Marshal refuses.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringKeys(child)
		}
		return out
	case map[string]any:
		for k, child := range node {
			node[k] = stringKeys(child)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = stringKeys(child)
		}
		return node
	default:
		return v
	}
}
