// Package config loads layered configuration: built-in defaults, an optional
// YAML file, namespaced environment variables and --key=value arguments, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const delim = "."

type Config struct {
	k         *koanf.Koanf
	namespace string
}

// Load builds the configuration for the binary identified by namespace.
// The YAML file path is taken from a --config=<path> argument or <NS>_CONFIG.
func Load(namespace string, args []string, defaults map[string]any) (*Config, error) {
	k := koanf.New(delim)

	if len(defaults) > 0 {
		if err := k.Load(confmap.Provider(defaults, delim), nil); err != nil {
			return nil, fmt.Errorf("cannot load defaults: %w", err)
		}
	}

	prefix := strings.ToUpper(namespace) + "_"

	path := configPath(args, os.Getenv(prefix+"CONFIG"))
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(prefix, delim, func(s string) string {
		return envKey(prefix, s)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("cannot load environment: %w", err)
	}

	if overrides := argOverrides(args); len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, delim), nil); err != nil {
			return nil, fmt.Errorf("cannot load arguments: %w", err)
		}
	}

	return &Config{k: k, namespace: namespace}, nil
}

// New wraps an already populated map. Tests use it to avoid touching the environment.
func New(values map[string]any) *Config {
	k := koanf.New(delim)
	_ = k.Load(confmap.Provider(values, delim), nil)
	return &Config{k: k}
}

// envKey maps KDS_API_BASE_URL to api.base.url. Every single underscore is a
// key separator, so keys are written without underscores; a double underscore
// keeps a literal one, so KDS_LOG__FILE_NAME maps to log_file.name.
func envKey(prefix, s string) string {
	s = strings.TrimPrefix(s, prefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", delim)
	return strings.ReplaceAll(s, "\x00", "_")
}

// argOverrides collects --key=value arguments. --config is not a key.
func argOverrides(args []string) map[string]any {
	overrides := make(map[string]any)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok || key == "" || key == "config" {
			continue
		}
		overrides[key] = value
	}
	return overrides
}

func configPath(args []string, fallback string) string {
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		}
	}
	return fallback
}

func (c *Config) Namespace() string {
	return c.namespace
}

func (c *Config) GetString(key string) (string, bool) {
	if !c.k.Exists(key) {
		return "", false
	}
	return c.k.String(key), true
}

// StringOr returns the value for key or def when it is unset or empty.
func (c *Config) StringOr(key, def string) string {
	if v, ok := c.GetString(key); ok && v != "" {
		return v
	}
	return def
}

func (c *Config) GetInt(key string) (int, bool) {
	if !c.k.Exists(key) {
		return 0, false
	}
	return c.k.Int(key), true
}

func (c *Config) IntOr(key string, def int) int {
	if v, ok := c.GetInt(key); ok && v != 0 {
		return v
	}
	return def
}

func (c *Config) GetBool(key string) (bool, bool) {
	if !c.k.Exists(key) {
		return false, false
	}
	return c.k.Bool(key), true
}

func (c *Config) GetDuration(key string) (time.Duration, bool) {
	if !c.k.Exists(key) {
		return 0, false
	}
	return c.k.Duration(key), true
}

func (c *Config) DurationOr(key string, def time.Duration) time.Duration {
	if v, ok := c.GetDuration(key); ok && v > 0 {
		return v
	}
	return def
}

// Require returns the string at key or an error naming the missing key.
func (c *Config) Require(key string) (string, error) {
	v, ok := c.GetString(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

var ErrMissingKey = errors.New("missing configuration key")
