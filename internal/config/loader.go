package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads, merges, and validates a configuration file. ${VAR} references
// are expanded from the environment before parsing; $include directives pull
// in other files relative to the including one, included values losing to
// the includer's own.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRaw reads a configuration file into one merged raw map with $include
// directives resolved. Callers that need fields the typed Config does not
// model read from here.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadMerged(path, map[string]bool{})
}

func loadMerged(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseDocument([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(abs)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		sub, err := loadMerged(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, raw), nil
}

// parseDocument picks the parser by file extension: .json and .json5 go
// through the json5 decoder, everything else is YAML. Multi-document YAML
// is rejected.
func parseDocument(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", pathHint, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: %w", pathHint, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%s: expected a single YAML document", pathHint)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// takeIncludes removes the include directive from the map and returns its
// paths. Both "$include" and "include" spellings are accepted.
func takeIncludes(raw map[string]any) ([]string, error) {
	var val any
	if v, ok := raw[includeKey]; ok {
		val = v
		delete(raw, includeKey)
	} else if v, ok := raw["include"]; ok {
		val = v
		delete(raw, "include")
	}
	if val == nil {
		return nil, nil
	}

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// deepMerge overlays src onto dst, merging nested maps key by key. Scalar
// and list values from src replace dst's wholesale.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRaw marshals the merged map back to YAML and strictly decodes it
// into Config so unknown keys fail loudly.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
