// Package config provides typed property lookup for hubs and clients.
//
// Properties start from built-in defaults, are overlaid by a TOML file whose
// nested tables flatten to dotted keys, and finally by HUBMESH_* environment
// variables:
//
//	[hubmesh.hub]
//	port = 17878
//	addresses = ["10.0.0.1:17878", "10.0.0.2:17878"]
//
//	[hubmesh.hub.gossip]
//	interval = "3s"
//
// Malformed values never fail a lookup; the getter logs a warning and falls
// back to the key's default.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const envPrefix = "HUBMESH_"

// Properties is a concurrency-safe set of string properties with typed
// accessors.
type Properties struct {
	mu     sync.RWMutex
	values map[string]string
	log    *logrus.Entry
}

// New returns properties holding only the defaults.
func New() *Properties {
	p := &Properties{
		values: make(map[string]string, len(defaults)),
		log:    logrus.WithField("component", "config"),
	}
	for k, v := range defaults {
		p.values[k] = v
	}
	return p
}

// FromMap returns default properties overlaid with m.
func FromMap(m map[string]string) *Properties {
	p := New()
	for k, v := range m {
		p.values[k] = v
	}
	return p
}

// Load reads a TOML file (skipped when path is empty) and applies the
// process environment on top of it.
func Load(path string) (*Properties, error) {
	p := New()
	if path != "" {
		if err := p.LoadFile(path); err != nil {
			return nil, err
		}
	}
	p.ApplyEnvironment(os.LookupEnv)
	return p, nil
}

// LoadFile merges a TOML file into p.
func (p *Properties) LoadFile(path string) error {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	flat := make(map[string]string)
	flatten("", raw, flat)

	p.mu.Lock()
	for k, v := range flat {
		p.values[k] = v
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"function": "LoadFile",
		"path":     path,
		"keys":     len(flat),
	}).Debug("Loaded configuration file")
	return nil
}

// LoadString merges TOML text into p.
func (p *Properties) LoadString(text string) error {
	var raw map[string]interface{}
	if _, err := toml.Decode(text, &raw); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	flat := make(map[string]string)
	flatten("", raw, flat)

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range flat {
		p.values[k] = v
	}
	return nil
}

func flatten(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	name := strings.TrimPrefix(key, "hubmesh.")
	name = strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
	return envPrefix + name
}

// ApplyEnvironment overrides every known key that lookup reports as set.
func (p *Properties) ApplyEnvironment(lookup func(string) (string, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range defaults {
		if v, ok := lookup(EnvName(key)); ok {
			p.values[key] = v
			p.log.WithFields(logrus.Fields{
				"function": "ApplyEnvironment",
				"env_var":  EnvName(key),
				"key":      key,
			}).Debug("Property overridden from environment")
		}
	}
}

// Set assigns a property.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	p.values[key] = value
	p.mu.Unlock()
}

// Has reports whether key holds a value.
func (p *Properties) Has(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[key]
	return ok
}

// Keys returns all keys in sorted order.
func (p *Properties) Keys() []string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// String returns the trimmed value of key, or "" if unset.
func (p *Properties) String(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return strings.TrimSpace(p.values[key])
}

// StringList splits a comma separated value, dropping empty elements.
func (p *Properties) StringList(key string) []string {
	var out []string
	for _, s := range strings.Split(p.String(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Int returns key as an integer.
func (p *Properties) Int(key string) int {
	v, err := strconv.Atoi(p.String(key))
	if err != nil {
		return p.fallback(key, err, func(s string) (interface{}, error) { return strconv.Atoi(s) }).(int)
	}
	return v
}

// Bool returns key as a boolean.
func (p *Properties) Bool(key string) bool {
	v, err := strconv.ParseBool(p.String(key))
	if err != nil {
		return p.fallback(key, err, func(s string) (interface{}, error) { return strconv.ParseBool(s) }).(bool)
	}
	return v
}

// Size returns key as a byte count; k, m and g suffixes multiply by 1024,
// 1024² and 1024³.
func (p *Properties) Size(key string) int64 {
	v, err := ParseSize(p.String(key))
	if err != nil {
		return p.fallback(key, err, func(s string) (interface{}, error) { return ParseSize(s) }).(int64)
	}
	return v
}

// Duration returns key as a duration. A bare integer is milliseconds.
func (p *Properties) Duration(key string) time.Duration {
	v, err := ParseDuration(p.String(key))
	if err != nil {
		return p.fallback(key, err, func(s string) (interface{}, error) { return ParseDuration(s) }).(time.Duration)
	}
	return v
}

// fallback logs the bad value and parses the key's default instead. Defaults
// are known-good so the parse cannot fail for a known key; unknown keys
// yield the zero value of the parser's type.
func (p *Properties) fallback(key string, err error, parse func(string) (interface{}, error)) interface{} {
	def := defaults[key]
	p.log.WithFields(logrus.Fields{
		"function":    "fallback",
		"key":         key,
		"value":       p.String(key),
		"error":       err.Error(),
		"using_value": def,
	}).Warn("Invalid property value, using default")

	v, derr := parse(def)
	if derr != nil {
		v, _ = parse("0")
	}
	return v
}

// ParseSize parses a byte count with an optional k, m or g suffix.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}

// ParseDuration parses a Go duration or a bare number of milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
