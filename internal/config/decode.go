package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode strictly decodes a config file. YAML files are converted to JSON
// first so both formats share one decoder and one set of field tags.
func decode(path string, b []byte) (*Config, error) {
	format := "json"
	if isYAML(path) {
		format = "yaml"
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data after config", format)
		}
		return nil, fmt.Errorf("%s: %w", format, err)
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON rejects multi-document files; only the first document would
// otherwise be applied.
func yamlToJSON(b []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("multiple documents are not supported")
		}
		return nil, err
	}
	return json.Marshal(jsonSafe(doc))
}

// jsonSafe rewrites map[any]any (nested keys that are not strings) into
// map[string]any, which encoding/json can marshal.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonSafe(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = jsonSafe(e)
		}
		return x
	}
	return v
}
