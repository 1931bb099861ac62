// Package config supplies broker connection settings through a flattened
// key lookup. Adapters read dotted keys such as "broker.kafka.bootstrap_servers"
// without knowing where the values come from.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// Provider resolves a dotted configuration key to its string value.
// The second return value reports whether the key is present.
type Provider interface {
	Get(key string) (string, bool)
}

// String returns the value for key, or def if the key is absent.
func String(p Provider, key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def if the key is absent.
// A present but unparsable value is an error.
func Int(p Provider, key string, def int) (int, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return n, nil
}

// Duration returns the duration value for key, or def if the key is absent.
// A present but unparsable value is an error.
func Duration(p Provider, key string, def time.Duration) (time.Duration, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config key %q: %w", key, err)
	}
	return d, nil
}

// Require returns the value for key or an error naming the missing key.
func Require(p Provider, key string) (string, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required config key %q", key)
	}
	return v, nil
}

// Static is a fixed in-memory Provider, mainly used in tests.
type Static map[string]string

func (s Static) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}
