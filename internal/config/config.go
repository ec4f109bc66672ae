package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BUDDY_"

type Config struct {
	DataDir     string          `koanf:"data_dir"`
	LogLevel    string          `koanf:"log_level"`
	BaseURLs    BaseURLs        `koanf:"base_urls"`
	TTSAutoplay bool            `koanf:"tts_autoplay"`
	Transport   TransportConfig `koanf:"transport"`
	Storage     StorageConfig   `koanf:"storage"`
	Telemetry   TelemetryConfig `koanf:"telemetry"`
	Mock        MockConfig      `koanf:"mock"`
}

type BaseURLs struct {
	Agent  string `koanf:"agent"`
	Tools  string `koanf:"tools"`
	Memory string `koanf:"memory"`
}

type TransportConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

type StorageConfig struct {
	Driver  string `koanf:"driver"`
	Journal bool   `koanf:"journal"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type MockConfig struct {
	Listen     string        `koanf:"listen"`
	TokenDelay time.Duration `koanf:"token_delay"`
}

// DefaultPath returns ~/.buddy/config.yaml.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".buddy", "config.yaml")
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":              filepath.Join(os.Getenv("HOME"), ".buddy"),
		"log_level":             "info",
		"base_urls.agent":       "http://localhost:8080",
		"base_urls.tools":       "http://localhost:8083",
		"base_urls.memory":      "http://localhost:8082",
		"tts_autoplay":          true,
		"transport.timeout":     "30s",
		"transport.retry_delay": "250ms",
		"storage.driver":        "file",
		"storage.journal":       true,
		"telemetry.enabled":     false,
		"mock.listen":           ":8080",
		"mock.token_delay":      "40ms",
	}
}

func newWithDefaults() *koanf.Koanf {
	k := koanf.New(".")
	for key, v := range defaults() {
		k.Set(key, v)
	}
	return k
}

// Load reads configuration with increasing precedence: built-in defaults,
// the YAML file at path, then BUDDY_* environment variables (a double
// underscore separates nesting levels). A missing file is created with the
// defaults.
func Load(path string) (*Config, error) {
	k := newWithDefaults()

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := writeDefaults(path); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func writeDefaults(path string) error {
	var cfg Config
	if err := newWithDefaults().Unmarshal("", &cfg); err != nil {
		return fmt.Errorf("unmarshal default config: %w", err)
	}
	return Save(path, &cfg)
}

// Save writes cfg to path as YAML. The write is atomic.
func Save(path string, cfg *Config) error {
	k := koanf.New(".")
	for key, v := range ToMap(cfg) {
		k.Set(key, v)
	}
	return writeKoanf(path, k)
}

func writeKoanf(path string, k *koanf.Koanf) error {
	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap flattens cfg into dot-separated keys. Durations are rendered in
// time.Duration string form.
func ToMap(cfg *Config) map[string]any {
	return map[string]any{
		"data_dir":              cfg.DataDir,
		"log_level":             cfg.LogLevel,
		"base_urls.agent":       cfg.BaseURLs.Agent,
		"base_urls.tools":       cfg.BaseURLs.Tools,
		"base_urls.memory":      cfg.BaseURLs.Memory,
		"tts_autoplay":          cfg.TTSAutoplay,
		"transport.timeout":     cfg.Transport.Timeout.String(),
		"transport.retry_delay": cfg.Transport.RetryDelay.String(),
		"storage.driver":        cfg.Storage.Driver,
		"storage.journal":       cfg.Storage.Journal,
		"telemetry.enabled":     cfg.Telemetry.Enabled,
		"mock.listen":           cfg.Mock.Listen,
		"mock.token_delay":      cfg.Mock.TokenDelay.String(),
	}
}

// ListValues returns the flattened effective configuration.
func ListValues(cfg *Config) map[string]any {
	return ToMap(cfg)
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	d := defaults()
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GetValue returns the value of key as stored in the file at path, or its
// default when the file does not set it.
func GetValue(path, key string) (any, error) {
	if _, ok := defaults()[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}

	k := newWithDefaults()
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	return k.Get(key), nil
}

// SetValue parses value according to the type of key and writes it to the
// file at path, leaving other keys untouched.
func SetValue(path, key, value string) error {
	def, ok := defaults()[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	parsed, err := parseValue(key, def, value)
	if err != nil {
		return err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load config file: %w", err)
	}
	if err := k.Set(key, parsed); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeKoanf(path, k)
}

func parseValue(key string, def any, value string) (any, error) {
	switch d := def.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s expects a boolean: %w", key, err)
		}
		return b, nil
	case string:
		if _, err := time.ParseDuration(d); err == nil {
			if _, err := time.ParseDuration(value); err != nil {
				return nil, fmt.Errorf("%s expects a duration: %w", key, err)
			}
		}
		return value, nil
	default:
		return value, nil
	}
}
