// Package configprovider defines typed configuration lookups used to assemble
// named database instances, plus environment- and YAML-backed implementations.
package configprovider

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider supplies configuration values by dotted key, e.g. "db.orders.host".
type Provider interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool)

	// GetRequired returns the value for key or an error if it is absent.
	GetRequired(key string) (string, error)

	// GetInt returns the integer value for key, or def when absent.
	GetInt(key string, def int) (int, error)

	// GetBool returns the boolean value for key, or def when absent.
	GetBool(key string, def bool) (bool, error)

	// GetDuration returns the duration value for key, or def when absent.
	// Plain integers are interpreted as milliseconds.
	GetDuration(key string, def time.Duration) (time.Duration, error)

	// AllKeys returns every known key, sorted.
	AllKeys() []string
}

// mapProvider is the shared implementation over a flat key/value map.
type mapProvider struct {
	values map[string]string
}

func (p *mapProvider) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *mapProvider) GetRequired(key string) (string, error) {
	v, ok := p.values[key]
	if !ok || v == "" {
		return "", fmt.Errorf("required configuration key %q is not set", key)
	}
	return v, nil
}

func (p *mapProvider) GetInt(key string, def int) (int, error) {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("configuration key %q: expected integer, got %q", key, v)
	}
	return n, nil
}

func (p *mapProvider) GetBool(key string, def bool) (bool, error) {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("configuration key %q: expected boolean, got %q", key, v)
	}
	return b, nil
}

func (p *mapProvider) GetDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("configuration key %q: expected duration, got %q", key, v)
	}
	return d, nil
}

func (p *mapProvider) AllKeys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromMap wraps a flat key/value map in a Provider. Useful in tests.
func FromMap(values map[string]string) Provider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &mapProvider{values: copied}
}

// FromEnv builds a Provider from environment variables carrying the given
// prefix. Variable names are lowercased and underscores become dots, so with
// prefix "DBCORE_" the variable DBCORE_DB_ORDERS_HOST maps to key
// "db.orders.host".
func FromEnv(prefix string) Provider {
	values := make(map[string]string)
	for _, entry := range os.Environ() {
		idx := strings.Index(entry, "=")
		if idx < 0 {
			continue
		}
		name, value := entry[:idx], entry[idx+1:]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		key = strings.ReplaceAll(key, "_", ".")
		values[key] = value
	}
	return &mapProvider{values: values}
}

// FromYAMLFile builds a Provider from a YAML document. Nested mappings flatten
// into dotted keys; scalars are stringified.
func FromYAMLFile(path string) (Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML builds a Provider from raw YAML bytes.
func FromYAML(data []byte) (Provider, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	values := make(map[string]string)
	flatten("", doc, values)
	return &mapProvider{values: values}, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			flatten(key, child, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprintf("%v", child)
		}
	}
}

// Layered returns a Provider that consults providers in order, first hit wins.
func Layered(providers ...Provider) Provider {
	return layered(providers)
}

type layered []Provider

func (l layered) Get(key string) (string, bool) {
	for _, p := range l {
		if v, ok := p.Get(key); ok {
			return v, true
		}
	}
	return "", false
}

func (l layered) GetRequired(key string) (string, error) {
	if v, ok := l.Get(key); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("required configuration key %q is not set", key)
}

func (l layered) GetInt(key string, def int) (int, error) {
	for _, p := range l {
		if _, ok := p.Get(key); ok {
			return p.GetInt(key, def)
		}
	}
	return def, nil
}

func (l layered) GetBool(key string, def bool) (bool, error) {
	for _, p := range l {
		if _, ok := p.Get(key); ok {
			return p.GetBool(key, def)
		}
	}
	return def, nil
}

func (l layered) GetDuration(key string, def time.Duration) (time.Duration, error) {
	for _, p := range l {
		if _, ok := p.Get(key); ok {
			return p.GetDuration(key, def)
		}
	}
	return def, nil
}

func (l layered) AllKeys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, p := range l {
		for _, k := range p.AllKeys() {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
