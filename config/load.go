package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings such as "500ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads path on top of DefaultConfig, then merges an optional
// <name>.local.<ext> overlay and environment overrides. YAML and JSON5 are
// selected by extension. A missing path with no overlay is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	found := false
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		found = true
	}

	localPath := localName(path)
	localData, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", localPath, err)
	}
	if len(localData) > 0 {
		var override Config
		if err := decode(localPath, localData, &override); err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config overlay: %w", err)
		}
		slog.Info("merging config with local overrides", slog.String("local", localPath))
		found = true
	}

	if !found {
		return nil, fmt.Errorf("load config %s: %w", path, os.ErrNotExist)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode yaml config %s: %w", path, err)
		}
	case ".json", ".json5":
		if err := json5.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode json5 config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return nil
}

func localName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// ApplyEnv overrides selected settings from ERRATA_* variables.
func (c *Config) ApplyEnv() error {
	if value, ok := EnvString("ERRATA_BASE_URL"); ok {
		c.Site.BaseURL = value
	}
	if value, ok := EnvString("ERRATA_OUTPUT"); ok {
		c.Output.CSVPath = value
	}
	if value, ok := EnvString("ERRATA_BACKEND"); ok {
		c.Scraping.Backend = strings.ToLower(value)
	}
	if value, ok := EnvString("ERRATA_METRICS_ADDR"); ok {
		c.MetricsAddr = value
	}
	if value, ok, err := EnvDuration("ERRATA_PAGE_DELAY"); err != nil {
		return err
	} else if ok {
		c.Scraping.PageDelay = Duration(value)
	}
	if value, ok, err := EnvInt("ERRATA_MAX_RETRIES"); err != nil {
		return err
	} else if ok {
		c.Scraping.MaxRetries = value
	}
	return nil
}

// EnvString returns a trimmed, non-empty environment value.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, true, nil
}

// EnvDuration parses a duration environment value such as "1500ms".
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, true, nil
}

// IsNotExist reports whether err came from a missing config file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
