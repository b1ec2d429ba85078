package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadYAMLDefaults reads a YAML settings file and exports every leaf as an
// environment variable named after its upper-cased key path:
//
//	limiter:
//	  permits: 15   ->  LIMITER_PERMITS=15
//
// Variables already present in the process environment keep precedence, the same
// rule LoadDotEnv follows. A missing file is not an error.
func LoadYAMLDefaults(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &tree); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	values := make(map[string]string)
	flattenYAML("", tree, values)

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, values[key])
	}
	return nil
}

func flattenYAML(prefix string, node any, out map[string]string) {
	switch typed := node.(type) {
	case map[string]any:
		for key, child := range typed {
			flattenYAML(joinKey(prefix, key), child, out)
		}
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
	default:
		if prefix != "" {
			out[prefix] = fmt.Sprint(typed)
		}
	}
}

func joinKey(prefix, key string) string {
	key = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(strings.TrimSpace(key)))
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}
