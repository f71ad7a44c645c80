package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

// decoders turn a config file into a generic tree, keyed by file extension.
// Files with any other extension are read as JSON.
var decoders = map[string]struct {
	format string
	decode func([]byte) (any, error)
}{
	".yaml": {"yaml", decodeYAML},
	".yml":  {"yaml", decodeYAML},
	".toml": {"toml", decodeTOML},
}

// coerceToJSONBytes re-encodes YAML and TOML as JSON so every format goes
// through the same strict decoder. It also returns the detected format.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	d, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return data, "json", nil
	}
	tree, err := d.decode(data)
	if err != nil {
		return nil, d.format, errors.Wrapf(err, "decode %s", d.format)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, d.format, errors.Wrapf(err, "re-encode %s as json", d.format)
	}
	return out, d.format, nil
}

func decodeYAML(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return stringKeys(v), nil
}

func decodeTOML(data []byte) (any, error) {
	var v map[string]any
	if _, err := toml.Decode(string(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// stringKeys rewrites map[any]any nodes, which encoding/json cannot marshal.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	default:
		return v
	}
}
